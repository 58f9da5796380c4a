package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossida/midday/internal/app"
	"github.com/mossida/midday/internal/config"
	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/store"
	"github.com/mossida/midday/internal/workflow"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "import":
		runImport(log)
	case "upload":
		runUpload(log)
	case "suggest":
		runSuggest(log)
	case "sync":
		runSync(log)
	case "inspect":
		runInspect(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Midday sync CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  import    Import a CSV statement into a bank account")
	fmt.Println("  upload    Store a CSV file and print its reference")
	fmt.Println("  suggest   Suggest a column mapping for a stored CSV file")
	fmt.Println("  sync      Fetch and reconcile a bank account now")
	fmt.Println("  inspect   Show a bank account, its schedule and transactions")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nEvery command accepts -config PATH.")
	fmt.Println("Run 'cli <command> -h' for more information on a command.")
}

// open loads the config and wires the service without starting the worker.
func open(log zerolog.Logger, configPath string) (context.Context, *app.App) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx := logger.WithContext(context.Background(), log)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}
	return ctx, a
}

func runImport(log zerolog.Logger) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	accountID := fs.String("account", "", "Bank account ID")
	filePath := fs.String("file", "", "Path to local CSV file")
	currency := fs.String("currency", "", "ISO 4217 currency of the statement")
	balance := fs.String("balance", "", "Current balance to set on the account")
	dateCol := fs.String("date-col", "Date", "Date column header")
	descCol := fs.String("description-col", "Description", "Description column header")
	amountCol := fs.String("amount-col", "Amount", "Amount column header")
	balanceCol := fs.String("balance-col", "", "Running balance column header")
	dateFormat := fs.String("date-format", "", "Go date layout, e.g. 02/01/2006")
	convention := fs.String("convention", "", "auto, decimal_point or decimal_comma")
	inverted := fs.Bool("inverted", false, "Flip the sign of every amount")
	dedupe := fs.Bool("deduplicate", false, "Skip rows imported before")
	fs.Parse(os.Args[2:])

	if *accountID == "" || *filePath == "" || *currency == "" {
		log.Fatal().Msg("Usage: cli import -account ID -file PATH -currency CODE")
	}

	ctx, a := open(log, *configPath)
	defer a.Close()

	account, err := a.Store.GetBankAccount(ctx, *accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load bank account")
	}

	ref := uploadLocal(ctx, log, a, *filePath)

	req := workflow.ImportRequest{
		FilePaths:      []string{ref},
		BankAccountID:  *accountID,
		Currency:       *currency,
		CurrentBalance: *balance,
		Inverted:       *inverted,
		Mappings: domain.ImportMapping{
			Date:        *dateCol,
			Description: *descCol,
			Amount:      *amountCol,
			Balance:     *balanceCol,
		},
		DateFormat:  *dateFormat,
		Convention:  *convention,
		Deduplicate: *dedupe,
	}
	if err := req.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid import")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	log.Info().Str("bank_account_id", *accountID).Str("file_path", ref).Msg("Starting import")

	res, err := a.Service.HandleImport(ctx, workflow.ImportRequested{ImportRequest: req, TeamID: account.TeamID})
	if err != nil {
		log.Fatal().Err(err).Msg("Import failed")
	}
	printJSON(res)
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	filePath := fs.String("file", "", "Path to local CSV file")
	fs.Parse(os.Args[2:])

	if *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -file PATH")
	}

	ctx, a := open(log, *configPath)
	defer a.Close()

	ref := uploadLocal(ctx, log, a, *filePath)
	fmt.Printf("Uploaded %s as %s\n", *filePath, ref)
}

func runSuggest(log zerolog.Logger) {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	ref := fs.String("ref", "", "Reference of a stored CSV file")
	filePath := fs.String("file", "", "Path to local CSV file, uploaded first")
	fs.Parse(os.Args[2:])

	if *ref == "" && *filePath == "" {
		log.Fatal().Msg("Usage: cli suggest -ref REF | -file PATH")
	}

	ctx, a := open(log, *configPath)
	defer a.Close()

	if *ref == "" {
		*ref = uploadLocal(ctx, log, a, *filePath)
	}

	suggestion, err := a.Service.SuggestMapping(ctx, *ref)
	if err != nil {
		log.Fatal().Err(err).Msg("Suggestion failed")
	}
	printJSON(suggestion)
}

func runSync(log zerolog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	accountID := fs.String("account", "", "Bank account ID to sync")
	fs.Parse(os.Args[2:])

	if *accountID == "" {
		log.Fatal().Msg("Error: -account is required")
	}

	ctx, a := open(log, *configPath)
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	log.Info().Str("bank_account_id", *accountID).Msg("Starting sync")

	res, err := a.Service.HandleScheduleFired(ctx, workflow.ScheduleFired{BankAccountID: *accountID})
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	printJSON(res)
}

func runInspect(log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	accountID := fs.String("account", "", "Bank account ID to inspect")
	limit := fs.Int("limit", 50, "Maximum transactions to show")
	fs.Parse(os.Args[2:])

	if *accountID == "" {
		log.Fatal().Msg("Error: -account is required")
	}

	ctx, a := open(log, *configPath)
	defer a.Close()

	account, err := a.Store.GetBankAccount(ctx, *accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load bank account")
	}
	sched, err := a.Service.Schedule(ctx, *accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load schedule")
	}

	fmt.Println("\n=== Bank Account ===")
	fmt.Printf("ID:         %s\n", account.ID)
	fmt.Printf("Team:       %s\n", account.TeamID)
	fmt.Printf("External:   %s\n", account.ExternalAccountID)
	fmt.Printf("Created:    %s\n", account.CreatedAt.Format(time.RFC3339))
	if account.Balance != nil {
		fmt.Printf("Balance:    %s %s\n", account.Balance.StringFixed(2), account.Currency)
	}
	fmt.Printf("Schedule:   %s (%s)\n", sched.State, sched.Cron)
	if sched.LastError != "" {
		fmt.Printf("Last error: %s\n", sched.LastError)
	}

	transactions, err := a.Service.Transactions(ctx, store.TransactionFilter{BankAccountID: *accountID, Limit: *limit})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to query transactions")
	}

	fmt.Printf("\n=== Transactions (%d) ===\n", len(transactions))
	for i, txn := range transactions {
		fmt.Printf("\n%d. %s\n", i+1, txn.Description)
		fmt.Printf("   Date:     %s\n", txn.Date)
		fmt.Printf("   Amount:   %s %s\n", txn.Amount.StringFixed(2), txn.Currency)
		if txn.HasProviderID() {
			fmt.Printf("   Provider: %s\n", txn.ProviderTransactionID)
		}
		if txn.Balance != nil {
			fmt.Printf("   Balance:  %s\n", txn.Balance.StringFixed(2))
		}
	}
	fmt.Println()
}

// uploadLocal stores a local file through the configured file source.
func uploadLocal(ctx context.Context, log zerolog.Logger, a *app.App, path string) string {
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	ref, err := a.Service.UploadFile(ctx, filepath.Base(path), f)
	if err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}
	log.Info().Str("file", path).Str("file_path", ref).Msg("File stored")
	return ref
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
	}
}
