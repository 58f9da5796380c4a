package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/logger"
)

// DefaultModelName is the Gemini model used for mapping suggestions.
const DefaultModelName = "gemini-2.5-flash"

// GeminiSuggester asks Gemini to map the columns and falls back to the
// heuristic when the call fails or returns unknown columns.
type GeminiSuggester struct {
	client *genai.Client
	model  string
}

// NewGeminiSuggester creates a suggester using apiKey. An empty apiKey lets
// the genai client read GOOGLE_API_KEY or Vertex AI settings from the environment.
func NewGeminiSuggester(ctx context.Context, apiKey, model string) (*GeminiSuggester, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiSuggester: create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiSuggester{client: client, model: model}, nil
}

// SuggestMapping implements Suggester.
func (g *GeminiSuggester) SuggestMapping(ctx context.Context, headers []string, samples []map[string]string) (domain.ImportMapping, error) {
	log := logger.FromContext(ctx)

	m, err := g.ask(ctx, headers, samples)
	if err != nil {
		log.Warn().Err(err).Msg("model mapping suggestion failed, using heuristic")
		return Suggest(headers, samples), nil
	}
	return m, nil
}

func (g *GeminiSuggester) ask(ctx context.Context, headers []string, samples []map[string]string) (domain.ImportMapping, error) {
	sampleJSON, err := json.Marshal(samples)
	if err != nil {
		return domain.ImportMapping{}, fmt.Errorf("ask: marshal samples: %w", err)
	}

	prompt :=
		"You map the columns of a bank transaction CSV export to canonical fields.\n\n" +
			"Columns: " + strings.Join(headers, ", ") + "\n" +
			"Sample rows (JSON): " + string(sampleJSON) + "\n\n" +
			"Return a JSON object with these fields, each holding one column name from the list:\n" +
			"- \"amount\": the signed transaction amount\n" +
			"- \"date\": the booking or transaction date\n" +
			"- \"description\": the payee or free-text description\n" +
			"- \"balance\": the running balance, or \"\" if there is none\n\n" +
			"Return ONLY valid raw JSON. Do NOT use Markdown.\n"

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return domain.ImportMapping{}, fmt.Errorf("ask: generate content: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return domain.ImportMapping{}, fmt.Errorf("ask: empty response from model")
	}
	return parseModelMapping(raw, headers)
}

// parseModelMapping decodes the model reply and checks every column exists.
func parseModelMapping(raw string, headers []string) (domain.ImportMapping, error) {
	var m domain.ImportMapping
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &m); err != nil {
		return domain.ImportMapping{}, fmt.Errorf("parseModelMapping: unmarshal JSON: %w", err)
	}
	for field, col := range map[string]string{"amount": m.Amount, "date": m.Date, "description": m.Description} {
		if !slices.Contains(headers, col) {
			return domain.ImportMapping{}, fmt.Errorf("parseModelMapping: %s mapped to unknown column %q", field, col)
		}
	}
	if m.Balance != "" && !slices.Contains(headers, m.Balance) {
		m.Balance = ""
	}
	return m, nil
}

// cleanModelJSON strips Markdown fences and any text around the JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
