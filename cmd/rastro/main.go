// Package main is the CLI entry point for Rastro — a custody tracker for
// regulated commodities (timber, fish, cacao) with a tamper-evident
// audit ledger and a declarative compliance rule engine.
//
// Every mutation (lot, event, rule, role, evaluation) is appended to a
// hash-chained ledger before it is persisted, so the full history of the
// system can be verified and exported at any time.
//
// CLI commands (cobra):
//
//	rastro init      - First-run setup (config, default rules, demo data)
//	rastro serve     - Run the HTTP API + dashboard
//	rastro stop      - Stop a running server
//	rastro lots      - Manage commodity lots
//	rastro events    - Record and inspect custody events
//	rastro rules     - Manage compliance rules
//	rastro check     - Evaluate a lot against the active rules
//	rastro ledger    - Query/verify/export the audit ledger
//	rastro users     - List users and change roles
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rastro/rastro/internal/compliance"
	"github.com/rastro/rastro/internal/config"
	"github.com/rastro/rastro/internal/custody"
	"github.com/rastro/rastro/internal/identity"
	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
	"github.com/rastro/rastro/internal/rules"
	"github.com/rastro/rastro/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-09-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.rastro/ where all runtime state
// lives: config.yaml, rules.yaml, lots.yaml, events.yaml, users.yaml,
// and the ledger/ directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".rastro"
	}
	return filepath.Join(home, ".rastro")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the Rastro data directory.
// Defaults to ~/.rastro/ but can be overridden for testing or custom
// setups.
var dataDir string

// actorName is the global flag naming the acting principal for mutating
// commands. Recorded verbatim in every ledger entry the command writes.
var actorName string

var rootCmd = &cobra.Command{
	Use:   "rastro",
	Short: "Rastro — custody tracking for regulated commodities",
	Long: `Rastro tracks lots of regulated commodities (timber, fish, cacao)
through their custody chain. Every mutation is recorded in a
hash-chained, append-only ledger, and lots are evaluated against a
declarative compliance rule set.

Run 'rastro init' once to set up the data directory, then 'rastro serve'
to start the HTTP API and dashboard.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	// --data-dir: Override the default ~/.rastro/ directory.
	// This flag is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to Rastro data directory",
	)

	// --actor: Who performs the operation. Empty falls back to the
	// "system" sentinel at record time.
	rootCmd.PersistentFlags().StringVar(
		&actorName,
		"actor",
		"",
		"Acting principal recorded in the ledger",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(lotsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(usersCmd)
}

// ============================================================================
// Shared wiring
// ============================================================================

// stores bundles the subsystems a command needs. Each CLI invocation
// opens its own set against the data directory and closes the ledger on
// exit.
type stores struct {
	ledger    *ledger.Ledger
	rec       *recorder.Recorder
	custody   *custody.Store
	rules     *rules.Store
	users     *identity.Store
	evaluator *compliance.Evaluator
}

// openStores opens the ledger with its writer lock plus all YAML-backed
// stores under dataDir. A running server holds the lock, so mutating
// commands fail fast against a live data dir instead of forking the
// chain.
func openStores() (*stores, error) {
	return openStoresMode(false)
}

// openStoresReadOnly skips the writer lock so read-only commands (list,
// show, tail, verify, export) work while a server is running.
func openStoresReadOnly() (*stores, error) {
	return openStoresMode(true)
}

func openStoresMode(readOnly bool) (*stores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	ledgerDir := filepath.Join(dataDir, "ledger")
	var l *ledger.Ledger
	var err error
	if readOnly {
		l, err = ledger.OpenReadOnly(ledgerDir)
	} else {
		l, err = ledger.Open(ledgerDir)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrLocked) {
			return nil, fmt.Errorf("opening ledger: %w — is 'rastro serve' running? Stop it or use the HTTP API", err)
		}
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	rec := recorder.New(l)

	cs, err := custody.NewStore(dataDir, rec)
	if err != nil {
		l.Close()
		return nil, err
	}

	rs, err := rules.NewStore(filepath.Join(dataDir, "rules.yaml"), rec)
	if err != nil {
		l.Close()
		return nil, err
	}

	us, err := identity.NewStore(filepath.Join(dataDir, "users.yaml"), rec)
	if err != nil {
		l.Close()
		return nil, err
	}

	return &stores{
		ledger:    l,
		rec:       rec,
		custody:   cs,
		rules:     rs,
		users:     us,
		evaluator: compliance.New(rs, rec),
	}, nil
}

func (s *stores) close() {
	if err := s.ledger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "[rastro] Warning: closing ledger: %v\n", err)
	}
}

// ============================================================================
// rastro init — First-run setup
// ============================================================================

// seedDemo controls whether `rastro init` loads the demo lots (--seed).
var seedDemo bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up the data directory",
	Long: `Create the data directory with a default config.yaml, the stock
compliance rules, and the demo user accounts. With --seed, also load
three demo lots (madeira, pescado, cacau) with their creation events.

Running init on an existing data directory is safe: existing files are
left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}

		configPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("writing default config: %w", err)
			}
			fmt.Printf("[rastro] Wrote %s\n", configPath)
		}

		rulesPath := filepath.Join(dataDir, "rules.yaml")
		if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
			if err := rules.WriteDefaultRules(rulesPath); err != nil {
				return fmt.Errorf("writing default rules: %w", err)
			}
			fmt.Printf("[rastro] Wrote %s (3 stock rules)\n", rulesPath)
		}

		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.users.Seed(); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}

		if seedDemo {
			if err := s.custody.Seed(actorName); err != nil {
				return fmt.Errorf("seeding demo lots: %w", err)
			}
			fmt.Println("[rastro] Demo lots loaded")
		}

		fmt.Printf("[rastro] Data directory ready at %s\n", dataDir)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&seedDemo, "seed", false, "Load demo lots and events")
}

// ============================================================================
// rastro serve — Run the HTTP API + dashboard
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and dashboard",
	Long: `Start the Rastro server. The REST API and the web dashboard are
served on the address configured in config.yaml (default:
127.0.0.1:4120):
  - API:       http://127.0.0.1:4120/api/
  - Dashboard: http://127.0.0.1:4120/dashboard

The server holds the ledger's writer lock while it runs: mutating CLI
commands against the same data directory are refused, so use the HTTP
API (or stop the server) to change data. Read-only commands still work,
and direct edits to rules.yaml are picked up via the file watcher.
Stop with Ctrl+C or 'rastro stop'.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.rec.Record(actorName, ledger.ActionServiceStarted, "", "server starting on "+cfg.Addr()); err != nil {
		return fmt.Errorf("recording service start: %w", err)
	}

	srv := server.New(server.Options{
		Ledger:    s.ledger,
		Custody:   s.custody,
		Rules:     s.rules,
		Users:     s.users,
		Evaluator: s.evaluator,
		Dashboard: cfg.Dashboard.Enabled,
	})

	// Hot-reload: a rules.yaml edit from the CLI takes effect in the
	// running server without a restart, and data file changes push the
	// newest ledger entry to dashboard clients.
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnRulesChange: func() {
			if reloadErr := s.rules.Reload(); reloadErr != nil {
				slog.Error("rules reload failed", "error", reloadErr)
			} else {
				slog.Info("rules reloaded")
			}
		},
		OnDataChange: func() {
			if e, ok := s.ledger.Latest(); ok {
				srv.BroadcastEntry(e)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[rastro] Listening on http://%s\n", cfg.Addr())
	if cfg.Dashboard.Enabled {
		fmt.Printf("[rastro] Dashboard at http://%s/dashboard\n", cfg.Addr())
	}
	fmt.Println("[rastro] Press Ctrl+C to stop")

	err = srv.Run(ctx, cfg.Addr())

	if _, recErr := s.rec.Record(actorName, ledger.ActionServiceStopped, "", "server stopped"); recErr != nil {
		fmt.Fprintf(os.Stderr, "[rastro] Warning: recording service stop: %v\n", recErr)
	}

	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Println("[rastro] Stopped")
	return nil
}

// ============================================================================
// rastro stop — Stop a running server
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running Rastro server",
	Long: `Stop a running server by posting to its /shutdown endpoint. The
endpoint only accepts loopback peers, matching the default bind.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post("http://"+cfg.Addr()+"/shutdown", "application/json", nil)
		if err != nil {
			return fmt.Errorf("server is not responding at %s: %w", cfg.Addr(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("shutdown rejected: %s", resp.Status)
		}
		fmt.Println("[rastro] Stop signal sent")
		return nil
	},
}

// ============================================================================
// rastro lots — Manage commodity lots
// ============================================================================

var lotsCmd = &cobra.Command{
	Use:   "lots",
	Short: "Manage commodity lots",
	Long: `Register, inspect, update, and remove lots. A lot is a tracked batch
of a regulated commodity (madeira, pescado, cacau, outro) with a
declared volume at origin. Removal deletes the lot from the live view
only — its events and ledger history are always retained.`,
}

func init() {
	lotsCmd.AddCommand(lotsListCmd)
	lotsCmd.AddCommand(lotsShowCmd)
	lotsCmd.AddCommand(lotsCreateCmd)
	lotsCmd.AddCommand(lotsUpdateCmd)
	lotsCmd.AddCommand(lotsRemoveCmd)
}

var lotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all lots",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		lots := s.custody.Lots()
		if len(lots) == 0 {
			fmt.Println("No lots registered.")
			return nil
		}

		fmt.Printf("%-36s %-16s %-10s %12s %-14s\n", "ID", "CODE", "CATEGORY", "VOLUME", "STATUS")
		for _, lot := range lots {
			fmt.Printf("%-36s %-16s %-10s %9.1f %-3s %-14s\n",
				lot.ID, lot.Code, lot.Category, lot.Volume, lot.Unit, lot.Status)
		}
		return nil
	},
}

var lotsShowCmd = &cobra.Command{
	Use:   "show <lot-id>",
	Short: "Show one lot in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		lot, err := s.custody.Get(args[0])
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(lot)
		if err != nil {
			return fmt.Errorf("marshaling lot: %w", err)
		}
		fmt.Print(string(out))

		events := s.custody.EventsFor(lot.ID)
		if len(events) > 0 {
			fmt.Printf("\n%d custody events:\n", len(events))
			for _, ev := range events {
				printEvent(ev)
			}
		}
		return nil
	},
}

// Lot creation flags.
var (
	lotCode        string
	lotCategory    string
	lotVolume      float64
	lotUnit        string
	lotOrigin      string
	lotDestination string
	lotLat         float64
	lotLng         float64
	lotLicenses    []string
	lotDocuments   []string
)

var lotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new lot",
	Long: `Register a new lot. Code and category are required; the declared
volume is what compliance rules compare transport volumes against.

Example:
  rastro lots create --code MAD-2026-004 --category madeira \
    --volume 30 --unit m³ --origin "Manaus, AM" --license LIC-IBAMA-2026`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		lot, err := s.custody.CreateLot(actorName, custody.Lot{
			Code:        lotCode,
			Category:    lotCategory,
			Volume:      lotVolume,
			Unit:        lotUnit,
			Origin:      lotOrigin,
			Destination: lotDestination,
			Latitude:    lotLat,
			Longitude:   lotLng,
			Licenses:    lotLicenses,
			Documents:   lotDocuments,
		})
		if err != nil {
			return fmt.Errorf("creating lot: %w", err)
		}

		fmt.Printf("[rastro] Lot %s created (%s)\n", lot.Code, lot.ID)
		return nil
	},
}

func init() {
	f := lotsCreateCmd.Flags()
	f.StringVar(&lotCode, "code", "", "Lot code (e.g. MAD-2026-004)")
	f.StringVar(&lotCategory, "category", "", "Commodity chain: madeira, pescado, cacau, outro")
	f.Float64Var(&lotVolume, "volume", 0, "Declared volume at origin")
	f.StringVar(&lotUnit, "unit", "", "Volume unit (m³, kg)")
	f.StringVar(&lotOrigin, "origin", "", "Origin location")
	f.StringVar(&lotDestination, "destination", "", "Destination location")
	f.Float64Var(&lotLat, "lat", 0, "Origin latitude")
	f.Float64Var(&lotLng, "lng", 0, "Origin longitude")
	f.StringSliceVar(&lotLicenses, "license", nil, "License or certificate (repeatable)")
	f.StringSliceVar(&lotDocuments, "document", nil, "Attached document reference (repeatable)")
	lotsCreateCmd.MarkFlagRequired("code")
	lotsCreateCmd.MarkFlagRequired("category")
}

// Lot update flags.
var (
	updDestination string
	updStatus      string
	updVolume      float64
)

var lotsUpdateCmd = &cobra.Command{
	Use:   "update <lot-id>",
	Short: "Update a lot",
	Long: `Update a lot's destination, declared volume, or status. Only the
flags you pass change; everything else is preserved. Status changes are
recorded in the ledger with the old and new value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		lot, err := s.custody.Get(args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("status") {
			if _, err := s.custody.SetStatus(actorName, lot.ID, custody.Status(updStatus)); err != nil {
				return fmt.Errorf("setting status: %w", err)
			}
		}

		if cmd.Flags().Changed("destination") || cmd.Flags().Changed("volume") {
			if cmd.Flags().Changed("destination") {
				lot.Destination = updDestination
			}
			if cmd.Flags().Changed("volume") {
				lot.Volume = updVolume
			}
			if _, err := s.custody.UpdateLot(actorName, lot); err != nil {
				return fmt.Errorf("updating lot: %w", err)
			}
		}

		fmt.Printf("[rastro] Lot %s updated\n", lot.Code)
		return nil
	},
}

func init() {
	f := lotsUpdateCmd.Flags()
	f.StringVar(&updDestination, "destination", "", "New destination")
	f.StringVar(&updStatus, "status", "", "New status: conforming, under-review, irregular, blocked")
	f.Float64Var(&updVolume, "volume", 0, "New declared volume")
}

var lotsRemoveCmd = &cobra.Command{
	Use:   "remove <lot-id>",
	Short: "Remove a lot (events and ledger history are retained)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.custody.DeleteLot(actorName, args[0]); err != nil {
			return fmt.Errorf("removing lot: %w", err)
		}
		fmt.Printf("[rastro] Lot %s removed\n", args[0])
		return nil
	},
}

// ============================================================================
// rastro events — Record and inspect custody events
// ============================================================================

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Record and inspect custody events",
	Long: `Custody events are the immutable history of a lot: creation,
transport, processing, certification, sale. Once recorded an event is
never edited or removed.`,
}

func init() {
	eventsCmd.AddCommand(eventsAddCmd)
	eventsCmd.AddCommand(eventsListCmd)
}

// Event flags.
var (
	evKind        string
	evDescription string
	evVolume      float64
	evLat         float64
	evLng         float64
)

var eventsAddCmd = &cobra.Command{
	Use:   "add <lot-id>",
	Short: "Record a custody event for a lot",
	Long: `Record a custody event. The volume on a transport event is what the
volume-exceeds-declared rule compares against the lot's declared volume.

Example:
  rastro events add 4f1c... --kind transport --volume 25 \
    --description "Transporte rodoviário para Belém"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		ev := custody.Event{
			LotID:       args[0],
			Kind:        custody.EventKind(evKind),
			Description: evDescription,
			Latitude:    evLat,
			Longitude:   evLng,
		}
		if cmd.Flags().Changed("volume") {
			v := evVolume
			ev.Volume = &v
		}

		added, err := s.custody.AddEvent(actorName, ev)
		if err != nil {
			return fmt.Errorf("recording event: %w", err)
		}
		fmt.Printf("[rastro] Event %s recorded (%s)\n", added.Kind, added.ID)
		return nil
	},
}

func init() {
	f := eventsAddCmd.Flags()
	f.StringVar(&evKind, "kind", "", "Event kind: creation, transport, processing, certification, sale")
	f.StringVar(&evDescription, "description", "", "Event description")
	f.Float64Var(&evVolume, "volume", 0, "Volume moved or processed")
	f.Float64Var(&evLat, "lat", 0, "Event latitude")
	f.Float64Var(&evLng, "lng", 0, "Event longitude")
	eventsAddCmd.MarkFlagRequired("kind")
}

var eventsListCmd = &cobra.Command{
	Use:   "list <lot-id>",
	Short: "List a lot's custody events, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		if _, err := s.custody.Get(args[0]); err != nil {
			return err
		}

		events := s.custody.EventsFor(args[0])
		if len(events) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}
		for _, ev := range events {
			printEvent(ev)
		}
		return nil
	},
}

// printEvent formats one custody event for the terminal.
func printEvent(ev custody.Event) {
	vol := ""
	if ev.Volume != nil {
		vol = fmt.Sprintf(" volume=%.1f", *ev.Volume)
	}
	fmt.Printf("[%s] %-14s actor=%-20s%s %s\n",
		ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Actor, vol, ev.Description)
}

// ============================================================================
// rastro rules — Manage compliance rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage compliance rules",
	Long: `View, add, remove, enable, and disable compliance rules. A rule is a
category-scoped predicate with a severity; the closed predicate set is:

  volume-exceeds-declared   any transport volume above the declared one
  calendar-month-in-set     evaluation month falls in the rule's months
  missing-certification     lot carries no license or certificate

A rule whose definition does not name one of these predicates is
rejected when added, never silently skipped during evaluation.`,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		all := s.rules.List()
		if len(all) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}

		fmt.Printf("%-28s %-10s %-10s %-26s %-8s\n", "ID", "CATEGORY", "SEVERITY", "PREDICATE", "ENABLED")
		for _, r := range all {
			fmt.Printf("%-28s %-10s %-10s %-26s %-8t\n",
				r.ID, r.Category, r.Severity, r.Predicate, r.Enabled)
		}
		return nil
	},
}

// rulesAddCmd adds a new rule from a YAML string argument.
var rulesAddCmd = &cobra.Command{
	Use:   "add <yaml>",
	Short: "Add a rule (YAML format)",
	Long: `Add a new compliance rule. Provide the rule as a YAML string.

Example:
  rastro rules add 'name: Defeso Lagosta
    category: pescado
    severity: blocking
    predicate: calendar-month-in-set
    months: [12, 1]
    lot_code: "LAG-*"
    action: Bloquear captura de lagosta no defeso
    enabled: true'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		var r rules.Rule
		if err := yaml.Unmarshal([]byte(args[0]), &r); err != nil {
			return fmt.Errorf("parsing rule YAML: %w", err)
		}

		created, err := s.rules.Create(actorName, r)
		if err != nil {
			return fmt.Errorf("adding rule: %w", err)
		}
		fmt.Printf("[rastro] Rule %q added (%s)\n", created.Name, created.ID)
		return nil
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Remove a rule (its ledger history is retained)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.rules.Delete(actorName, args[0]); err != nil {
			return fmt.Errorf("removing rule: %w", err)
		}
		fmt.Printf("[rastro] Rule %s removed\n", args[0])
		return nil
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule (kept in the set, skipped by evaluation)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], false)
	},
}

func setRuleEnabled(id string, enabled bool) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.rules.SetEnabled(actorName, id, enabled); err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("[rastro] Rule %s %s\n", id, state)
	return nil
}

// ============================================================================
// rastro check — Evaluate a lot
// ============================================================================

// applyVerdict controls whether the verdict status is written back to
// the lot (--apply).
var applyVerdict bool

var checkCmd = &cobra.Command{
	Use:   "check <lot-id>",
	Short: "Evaluate a lot against the active rules",
	Long: `Run every active rule matching the lot's category and code, print the
explanation trail, and show the aggregate status. The evaluation is
recorded in the ledger. With --apply, the resulting status is written
back to the lot when it differs from the stored one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		lot, err := s.custody.Get(args[0])
		if err != nil {
			return err
		}

		verdict, err := s.evaluator.Evaluate(actorName, lot, s.custody.EventsFor(lot.ID))
		if err != nil {
			return fmt.Errorf("evaluating lot: %w", err)
		}

		fmt.Printf("Lot %s (%s, %d rules evaluated)\n\n", lot.Code, lot.Category, verdict.RulesApplied)
		for _, msg := range verdict.Messages {
			fmt.Printf("  %s\n", msg)
		}
		fmt.Printf("\nStatus: %s\n", verdict.Status)

		if applyVerdict && verdict.Status != lot.Status {
			if _, err := s.custody.SetStatus(actorName, lot.ID, verdict.Status); err != nil {
				return fmt.Errorf("applying verdict: %w", err)
			}
			fmt.Printf("[rastro] Lot status updated: %s -> %s\n", lot.Status, verdict.Status)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&applyVerdict, "apply", false, "Write the verdict status back to the lot")
}

// ============================================================================
// rastro ledger — Query and verify the audit ledger
// ============================================================================

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query and verify the audit ledger",
	Long: `The ledger records every mutation in the system: lot changes, custody
events, rule edits, role changes, and compliance evaluations. Entries
are hash-chained — each entry's hash depends on the previous entry's
hash — so any tampering with stored history is detectable.`,
}

// ledgerTailLimit controls how many recent entries `ledger tail` shows.
var ledgerTailLimit int

func init() {
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerQueryCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		entries, err := s.ledger.Tail(ledgerTailLimit)
		if err != nil {
			return fmt.Errorf("reading ledger: %w", err)
		}
		for _, e := range entries {
			printLedgerEntry(e)
		}
		return nil
	},
}

func init() {
	ledgerTailCmd.Flags().IntVarP(&ledgerTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// Ledger query filter flags.
var (
	queryActor   string
	queryAction  string
	querySubject string
	querySince   string
	queryLimit   int
)

var ledgerQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries with filters",
	Long: `Query the ledger with filters. Supports filtering by actor, action,
subject (lot/rule/user ID), and time range.

Examples:
  rastro ledger query --action lot-created --since 24h
  rastro ledger query --actor "Fiscal Ambiental" --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		entries, err := s.ledger.Query(ledger.QueryParams{
			Actor:   queryActor,
			Action:  ledger.Action(queryAction),
			Subject: querySubject,
			Since:   querySince,
			Limit:   queryLimit,
		})
		if err != nil {
			return fmt.Errorf("ledger query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching ledger entries found.")
			return nil
		}
		for _, e := range entries {
			printLedgerEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	f := ledgerQueryCmd.Flags()
	f.StringVar(&queryActor, "actor", "", "Filter by actor")
	f.StringVar(&queryAction, "action", "", "Filter by action (e.g. lot-created)")
	f.StringVar(&querySubject, "subject", "", "Filter by subject ID")
	f.StringVar(&querySince, "since", "", "Show entries since duration (e.g., 1h, 30m, 24h)")
	f.IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the ledger hash chain. Each entry's hash is
computed as SHA-256(prev_hash | action | detail | timestamp). If any
stored entry has been edited, reordered, or deleted, the chain breaks
and this command reports the first broken sequence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		result, err := s.ledger.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[rastro] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}

		fmt.Printf("[rastro] Hash chain BROKEN at entry #%d\n", result.BrokenAt)
		if result.ExpectedHash != "" {
			fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
			fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
		}
		return fmt.Errorf("ledger integrity violation detected")
	},
}

// ledgerExportFormat controls the export output format (csv, json, jsonl).
var ledgerExportFormat string

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger",
	Long: `Export the full ledger to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  rastro ledger export --format csv > ledger_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		return s.ledger.Export(os.Stdout, ledgerExportFormat)
	},
}

func init() {
	ledgerExportCmd.Flags().StringVar(&ledgerExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// printLedgerEntry formats one ledger entry for the terminal.
func printLedgerEntry(e ledger.Entry) {
	subject := e.SubjectID
	if subject == "" {
		subject = "-"
	}
	fmt.Printf("[%s] #%-5d actor=%-22s action=%-22s subject=%-36s %s\n",
		e.Timestamp, e.Seq, e.Actor, e.Action, subject, e.Detail)
}

// ============================================================================
// rastro users — List users and change roles
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users and change roles",
	Long: `The registered users name who acted on the system. Roles: admin,
fiscal, empresa, observador. Role changes are recorded in the ledger.`,
}

func init() {
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersSetRoleCmd)
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStoresReadOnly()
		if err != nil {
			return err
		}
		defer s.close()

		users := s.users.List()
		if len(users) == 0 {
			fmt.Println("No users registered. Run 'rastro init' first.")
			return nil
		}

		fmt.Printf("%-14s %-24s %-26s %-12s\n", "ID", "NAME", "EMAIL", "ROLE")
		for _, u := range users {
			fmt.Printf("%-14s %-24s %-26s %-12s\n", u.ID, u.Name, u.Email, u.Role)
		}
		return nil
	},
}

var usersSetRoleCmd = &cobra.Command{
	Use:   "set-role <user-id> <role>",
	Short: "Change a user's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.close()

		u, err := s.users.SetRole(actorName, args[0], identity.Role(args[1]))
		if err != nil {
			return fmt.Errorf("setting role: %w", err)
		}
		fmt.Printf("[rastro] %s is now %s\n", u.Name, u.Role)
		return nil
	},
}
