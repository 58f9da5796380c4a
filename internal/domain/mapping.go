package domain

// ImportMapping names the input columns that feed each canonical field.
// It lives only for the duration of one import.
type ImportMapping struct {
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Balance     string `json:"balance,omitempty"`
}
