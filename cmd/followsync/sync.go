package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"followsync/pkg/airtable"
	"followsync/pkg/auth"
	"followsync/pkg/browser"
	"followsync/pkg/cache"
	"followsync/pkg/checkpoint"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/ledger"
	"followsync/pkg/lock"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/ratelimit"
	"followsync/pkg/retry"
	"followsync/pkg/syncer"
	"followsync/pkg/ui"
)

var (
	targetsFile  string
	fromStore    bool
	maxHandles   int
	dryRun       bool
	jsonOutput   bool
	concurrency  int
	headless     bool
	cookiePath   string
	cacheBackend string
	tokenProfile string
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync [handles...]",
	Short: "Discover new follows and write them to the store",
	Long: `Run the sync pipeline for each target account.

Targets from the arguments, --targets-file (one handle per line, # comments
allowed) and --from-store (every handle in store.targets_table) are
combined. sync.targets in the configuration is used when none is given.

Exit status is 0 when every target finished, 2 when at least one target
failed or was only partially written, and 1 on any other error.`,
	Example: `  # Sync two accounts
  followsync sync alice bob

  # See what would be written without touching the store
  followsync sync --dry-run alice

  # Sync every account listed in the targets table
  followsync sync --from-store --json`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&targetsFile, "targets-file", "f", "", "file with one target handle per line")
	syncCmd.Flags().BoolVar(&fromStore, "from-store", false, "read target handles from store.targets_table")
	syncCmd.Flags().IntVar(&maxHandles, "max-handles", 0, "stop extracting a target after this many handles (0 = no cap)")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "extract and reconcile only; print new follows without writing")
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run summary as JSON")
	syncCmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent store batches")
	syncCmd.Flags().BoolVar(&headless, "headless", true, "run the browser headless")
	syncCmd.Flags().StringVar(&cookiePath, "cookies", "", "cookie jar JSON file")
	syncCmd.Flags().StringVar(&cacheBackend, "cache-backend", "", "account cache backend (file, badger, memory)")
	syncCmd.Flags().StringVar(&tokenProfile, "profile", auth.DefaultProfile, "stored token profile")
}

func syncFlags(cmd *cobra.Command) map[string]interface{} {
	flags := map[string]interface{}{
		"max-handles":   maxHandles,
		"concurrency":   concurrency,
		"dry-run":       dryRun,
		"json":          jsonOutput,
		"cookies":       cookiePath,
		"cache-backend": cacheBackend,
	}
	if cmd.Flags().Changed("headless") {
		flags["headless"] = headless
	}
	return flags
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd, syncFlags(cmd))
	if err != nil {
		return err
	}
	if err := loadToken(cfg, tokenProfile, log); err != nil {
		return err
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, "sync", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Sync.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Sync.RunTimeout)
		defer cancel()
	}

	runID := syncer.NewRunID()
	m := metrics.New()

	limiter, err := ratelimit.New(cfg.RateLimit.Strategy, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, "sync", err)
	}

	client, err := newStoreClient(cfg, limiter, m, log)
	if err != nil {
		return err
	}

	targets, err := collectTargets(ctx, cfg, client, args)
	if err != nil {
		return err
	}

	accountCache, err := cache.Open(cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("open account cache: %w", err)
	}
	defer func() {
		if err := accountCache.Close(); err != nil {
			log.WarnWithFields("failed to close account cache", map[string]interface{}{"error": err.Error()})
		}
	}()

	led, err := ledger.OpenFromDSN(ctx, cfg.Ledger.DSN, runID, log)
	if err != nil {
		return fmt.Errorf("open edge ledger: %w", err)
	}
	defer led.Close()

	history, err := checkpoint.NewManager(cfg.Output.HistoryFile, log)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}

	s := syncer.New(syncer.RunContext{
		RunID:   runID,
		Limiter: limiter,
		Lock:    lock.New(cfg.Lock.Path),
		Cache:   accountCache,
		Logger:  log,
		Metrics: m,
	}, cfg, syncer.Deps{
		Store:   client,
		Opener:  browser.NewLauncher(cfg.Browser, log),
		Ledger:  led,
		History: history,
	})

	summary, err := s.Run(ctx, targets)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return &exitError{code: 1, err: fmt.Errorf("%w; wait for it to finish or remove a stale %s", err, cfg.Lock.Path)}
		}
		return err
	}

	if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		log.WarnWithFields("failed to write metrics", map[string]interface{}{"error": err.Error()})
	}

	if err := printSummary(cfg, summary); err != nil {
		return err
	}
	if !summary.OK() {
		return &exitError{code: 2}
	}
	return nil
}

// loadToken fills the store token from the credential chain when neither
// the config file nor the environment supplied one
func loadToken(cfg *config.Config, profile string, log logger.Logger) error {
	if cfg.Store.Token != "" {
		return nil
	}
	mgr, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}
	token, source, err := mgr.Token(profile)
	if errors.Is(err, auth.ErrCredentialsNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load store token: %w", err)
	}
	cfg.Store.Token = token
	logger.OrNop(log).DebugWithFields("store token loaded", map[string]interface{}{
		"source":  source,
		"profile": profile,
	})
	return nil
}

func newStoreClient(cfg *config.Config, limiter ratelimit.Limiter, m *metrics.Metrics, log logger.Logger) (*airtable.Client, error) {
	return airtable.NewClient(airtable.Options{
		BaseURL:  cfg.Store.BaseURL,
		BaseID:   cfg.Store.BaseID,
		Token:    cfg.Store.Token,
		Timeout:  cfg.Store.Timeout,
		Limiter:  limiter,
		Retry:    retry.NewPolicy(retry.FromConfig(cfg.Retry, log)),
		Metrics:  m,
		Logger:   log,
		PageSize: cfg.Store.PageSize,
	})
}

// collectTargets merges the arguments, the targets file and the store
// listing. sync.targets is used only when none of them names a target.
func collectTargets(ctx context.Context, cfg *config.Config, store syncer.Lister, args []string) ([]string, error) {
	targets := syncer.Targets(args...)

	if targetsFile != "" {
		fromFile, err := syncer.ReadTargetsFile(targetsFile)
		if err != nil {
			return nil, err
		}
		targets = syncer.Targets(append(targets, fromFile...)...)
	}

	if fromStore {
		if cfg.Store.TargetsTable == "" {
			return nil, errs.New(errs.ErrorTypeConfig, "sync", "--from-store needs store.targets_table")
		}
		listed, err := syncer.TargetsFromStore(ctx, store, cfg.Store.TargetsTable, cfg.Store.Fields.Username)
		if err != nil {
			return nil, err
		}
		targets = syncer.Targets(append(targets, listed...)...)
	}

	if len(targets) == 0 {
		targets = syncer.Targets(cfg.Sync.Targets...)
	}
	if len(targets) == 0 {
		return nil, errs.New(errs.ErrorTypeConfig, "sync", "no targets: pass handles, --targets-file, --from-store or set sync.targets")
	}
	return targets, nil
}

func printSummary(cfg *config.Config, summary syncer.RunSummary) error {
	if cfg.Output.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	p := newPrinter(cfg)
	title := "Run " + summary.RunID
	if summary.DryRun {
		title += " (dry run)"
	}
	p.Summary(title, summaryRows(summary))
	for _, h := range summary.MissingTargets() {
		p.Warning(h + " no longer exists; its record is a deletion candidate")
	}

	if summary.DryRun {
		for _, r := range summary.Reports {
			if len(r.NewHandles) > 0 {
				p.Info(r.TargetHandle+" would follow", strings.Join(r.NewHandles, ", "))
			}
		}
	}
	return nil
}

func summaryRows(summary syncer.RunSummary) []ui.Row {
	rows := make([]ui.Row, 0, len(summary.Reports))
	for _, r := range summary.Reports {
		rows = append(rows, ui.Row{
			Target:          r.TargetHandle,
			State:           string(r.State),
			NewFollowsFound: r.NewFollowsFound,
			EdgesWritten:    r.EdgesWritten,
			EdgesFailed:     r.EdgesFailed,
			Duration:        r.Duration(),
			Errors:          r.Errors,
		})
	}
	return rows
}
