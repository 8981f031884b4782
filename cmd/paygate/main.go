package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/paygate/internal/api"
	"github.com/mattjoyce/paygate/internal/auth"
	"github.com/mattjoyce/paygate/internal/config"
	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/lock"
	"github.com/mattjoyce/paygate/internal/log"
	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/oneshot"
	"github.com/mattjoyce/paygate/internal/paygate"
	"github.com/mattjoyce/paygate/internal/queue"
	"github.com/mattjoyce/paygate/internal/registration"
	"github.com/mattjoyce/paygate/internal/state"
	"github.com/mattjoyce/paygate/internal/storage"
	"github.com/mattjoyce/paygate/internal/tokencache"
	"github.com/mattjoyce/paygate/internal/webhook"
)

var version = "0.1.0-dev"

// eventBufferSize is how many recent events the hub replays to SSE clients.
const eventBufferSize = 256

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	noun := args[0]
	rest := args[1:]

	switch noun {
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "settlement":
		return runSettlementNoun(rest)
	case "start":
		// Alias for "system start".
		return runStart(rest)
	case "version", "--version", "-v":
		fmt.Printf("paygate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", noun)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `paygate - x402 payment-gated webhook gateway

Usage:
  paygate <noun> <action> [flags]

Nouns:
  system      Run the gateway
  config      Check, lock and inspect configuration
  settlement  Inspect recorded payment settlements

Commands:
  paygate system start [--config PATH]
  paygate config check [--config PATH] [--strict]
  paygate config lock [--config PATH] [-v]
  paygate config show [path] [--config PATH] [--json]
  paygate settlement list [--status settled|unresolved] [--limit N] [--json]
  paygate version

Run 'paygate <noun> help' for more information on a noun.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runSettlementNoun(args []string) int {
	if len(args) < 1 {
		printSettlementNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSettlementNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printSettlementListHelp()
			return 0
		}
		return runSettlementList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown settlement action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: paygate system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: paygate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printSettlementNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: paygate settlement <action> [flags]")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: paygate system start [--config PATH]")
	fmt.Println("Start the gateway in the foreground.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: paygate config lock [--config PATH] [-v|--verbose]")
	fmt.Println("Record BLAKE3 hashes of every configuration file in .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: paygate config check [--config PATH] [--strict]")
	fmt.Println("Validate configuration and verify file integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: paygate config show [path] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration with secrets redacted, or one node of it")
	fmt.Println("(e.g. webhooks.listen, endpoint:premium, endpoint:*).")
}

func printSettlementListHelp() {
	fmt.Println("Usage: paygate settlement list [--config PATH] [--status settled|unresolved] [--limit N] [--json]")
	fmt.Println("List recorded settlements, newest first.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("paygate starting", "version", version, "config", resolved)

	pidLock, err := lock.AcquireForState(cfg.State.Path)
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "state", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired instance lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	q := queue.New(db)
	settlements := ledger.New(db)
	st := state.NewStore(db)
	hub := events.NewHub(eventBufferSize)
	m := metrics.New(prometheus.DefaultRegisterer)
	metrics.WatchEventDrops(prometheus.DefaultRegisterer, hub.Dropped)

	webhookConfig, err := webhook.FromGlobalConfig(&cfg.Webhooks)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}

	opts := []webhook.Option{
		webhook.WithEvents(hub),
		webhook.WithMetrics(m),
	}
	if hasPaidEndpoints(webhookConfig) {
		gate, err := newPaymentGate(cfg, settlements, hub, m)
		if err != nil {
			logger.Error("failed to configure payment backend", "error", err)
			return 1
		}
		opts = append(opts, webhook.WithPaymentGate(gate))

		if cfg.Directory.IsEnabled() {
			dir := registration.NewDirectoryClient(cfg.Directory.RegisterURL, cfg.Directory.Timeout, log.WithComponent("directory"))
			opts = append(opts, webhook.WithRegistration(func(endpoint string) webhook.RegistrationGuard {
				return registration.NewGuard(endpoint, dir, st, log.WithEndpoint(endpoint), m)
			}))
		} else {
			logger.Info("directory registration disabled")
		}
	}

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Name:   t.Name,
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:   cfg.API.Listen,
			APIKey:   cfg.API.Auth.APIKey,
			Tokens:   tokens,
			Gatherer: prometheus.DefaultGatherer,
		}
		apiServer := api.New(apiConfig, q, settlements, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	webhookServer := webhook.New(webhookConfig, q, log.WithComponent("webhook"), opts...)
	go func() {
		if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	logger.Info("webhook server enabled",
		"listen", webhookConfig.Listen,
		"endpoints", len(webhookConfig.Endpoints),
		"test_mode", webhookConfig.TestMode,
	)

	logger.Info("paygate running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return 1
	}

	logger.Info("paygate stopped")
	return 0
}

// newPaymentGate wires the 1Shot client, the supported-kinds cache and the
// settlement coordinator into a gate.
func newPaymentGate(cfg *config.Config, settlements *ledger.Ledger, hub *events.Hub, m *metrics.Metrics) (*paygate.Gate, error) {
	client, err := oneshot.New(oneshot.Config{
		BaseURL:        cfg.Backend.BaseURL,
		TokenURL:       cfg.Backend.TokenURL,
		ClientID:       cfg.Backend.ClientID,
		ClientSecret:   cfg.Backend.ClientSecret,
		Scopes:         cfg.Backend.Scopes,
		RequestTimeout: cfg.Backend.RequestTimeout,
	}, log.WithComponent("oneshot"), m)
	if err != nil {
		return nil, err
	}

	cache := tokencache.New(client, log.WithComponent("tokencache"), tokencache.WithMetrics(m))
	coord := paygate.NewCoordinator(client, settlements, hub, log.WithComponent("settlement"), m)
	return paygate.NewGate(client, cache, coord, log.WithComponent("gate"),
		paygate.WithEvents(hub),
		paygate.WithMetrics(m),
	), nil
}

func hasPaidEndpoints(cfg webhook.Config) bool {
	for _, ep := range cfg.Endpoints {
		if ep.Kind == webhook.KindX402 {
			return true
		}
	}
	return false
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	integrity, err := config.Check(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check error: %v\n", err)
		return 1
	}
	for _, w := range integrity.Warnings {
		fmt.Printf("WARN  %s\n", w)
	}
	for _, e := range integrity.Errors {
		fmt.Printf("ERROR %s\n", e)
	}
	if !integrity.Passed {
		fmt.Println("Status: Configuration check FAILED (integrity).")
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Printf("ERROR %v\n", err)
		fmt.Println("Status: Configuration check FAILED.")
		return 1
	}

	fmt.Printf("Loaded %d file(s), %d endpoint(s).\n", len(cfg.SourceFiles), len(cfg.Webhooks.Endpoints))
	if strict && len(integrity.Warnings) > 0 {
		fmt.Println("Status: Configuration check FAILED (warnings in strict mode).")
		return 2
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	reports, err := config.Lock(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		for _, report := range reports {
			fmt.Printf("Processing directory: %s\n", report.ConfigDir)
			for _, file := range report.Files {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
			}
			fmt.Printf("  WROTE %s\n", report.ChecksumPath)
		}
	}

	fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(reports))
	for _, report := range reports {
		fmt.Printf("  - %s\n", report.ConfigDir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")

	// Allow the node path before or after flags.
	var path string
	var flagArgs []string
	for _, arg := range args {
		if path == "" && len(arg) > 0 && arg[0] != '-' && !isFlagValue(flagArgs) {
			path = arg
			continue
		}
		flagArgs = append(flagArgs, arg)
	}
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg.Redacted()
	if path != "" {
		res, err := cfg.GetPath(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// isFlagValue reports whether the next argument belongs to the last flag,
// i.e. the last flag is "--config" without "=".
func isFlagValue(flagArgs []string) bool {
	if len(flagArgs) == 0 {
		return false
	}
	last := flagArgs[len(flagArgs)-1]
	return last == "--config" || last == "-config"
}

func runSettlementList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Filter by status (settled, unresolved)")
	limit := fs.Int("limit", 50, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	switch ledger.Status(*status) {
	case "", ledger.StatusSettled, ledger.StatusUnresolved:
	default:
		fmt.Fprintf(os.Stderr, "Invalid --status %q (want settled or unresolved)\n", *status)
		return 1
	}
	if *limit < 1 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	rows, err := ledger.New(db).List(ctx, ledger.Status(*status), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list settlements: %v\n", err)
		return 1
	}

	if *jsonOut {
		if rows == nil {
			rows = []ledger.Settlement{}
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	printSettlements(os.Stdout, rows)
	return 0
}

func printSettlements(w io.Writer, rows []ledger.Settlement) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No settlements recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTATUS\tENDPOINT\tNETWORK\tPAYER\tAMOUNT\tTX")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			s.Status, s.Endpoint, s.Network, s.Payer, s.Amount, s.TxHash)
	}
	_ = tw.Flush()
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigDir()
}

func loadConfig(configPath string) (*config.Config, string, error) {
	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, resolved, err
	}
	return cfg, resolved, nil
}
