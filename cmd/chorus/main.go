package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandwichfarm/chorus/internal/api"
	"github.com/sandwichfarm/chorus/internal/config"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/nostr"
	"github.com/sandwichfarm/chorus/internal/ops"
	"github.com/sandwichfarm/chorus/internal/session"
	"github.com/sandwichfarm/chorus/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "diag" {
		handleDiag(os.Args[2:])
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
		statusEvery = flag.Duration("status-interval", time.Minute, "How often to log a session summary (0 disables)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chorus %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("chorus - realtime sync and optimistic mutation core")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chorus init              Generate example configuration")
		fmt.Println("  chorus diag --config <p> Print journal and cursor diagnostics")
		fmt.Println("  chorus --version         Show version information")
		fmt.Println("  chorus --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *statusEvery); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, statusEvery time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	logger.LogStartup(version, commit, map[string]any{
		"backend": cfg.Backend.BaseURL,
		"relays":  len(cfg.Relays.Seeds),
		"topics":  cfg.Sync.Topics,
		"storage": cfg.Storage.Driver,
	})

	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer st.Close()

	client := nostr.New(ctx, &cfg.Relays, logger)
	defer client.Close()

	channel, err := nostr.NewChannel(client)
	if err != nil {
		return fmt.Errorf("failed to create change channel: %w", err)
	}

	backend, err := api.NewClient(&cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	sess, err := session.New(ctx, cfg, session.Deps{
		Channel:  channel,
		Backend:  backend,
		Profiles: nostr.NewProfileFetcher(client),
		Journal:  st.Journal(),
		Cursors:  st,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	sess.OnSettled(func(s mutation.Settlement) {
		if s.Status == mutation.StatusRolledBack {
			logger.Warn("action reverted",
				"entity_id", s.Key.EntityID,
				"action", s.Key.Action,
				"kind", s.Kind.String())
		}
	})

	if err := sess.Start(); err != nil {
		sess.Stop()
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.Stop()

	if statusEvery > 0 {
		go logSummaries(ctx, sess, logger, statusEvery)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.LogShutdown(sig.String())
	return nil
}

func logSummaries(ctx context.Context, sess *session.Session, logger *ops.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := sess.Summary()
			if err != nil {
				return
			}
			logger.Info("session summary",
				"conversations", sum.Conversations,
				"badge", sum.Badge,
				"stories", sum.Stories,
				"feed_items", sum.FeedItems,
				"following", sum.Following,
				"pending", sum.Pending,
				"profiles", sum.Profiles,
				"media", sum.Media,
				"events_received", sum.Events.Received,
				"events_delivered", sum.Events.Delivered,
				"events_malformed", sum.Events.Malformed,
				"events_duplicate", sum.Events.Duplicate,
				"reconnects", sum.Events.Reconnects,
				"refetches", sum.ConversationRefetches,
				"profile_fetches", sum.ProfileFetches)
			if sum.LastRefetchError != nil {
				logger.Warn("conversation refetch failing", "error", sum.LastRefetchError)
			}
		}
	}
}

func handleDiag(args []string) {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: chorus diag --config <path>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	diag, err := ops.NewDiagnosticsCollector(version, commit, st).CollectAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting diagnostics: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(diag.FormatAsText())
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(exampleConfig))
}
