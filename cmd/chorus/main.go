// chorus is a multi-agent conversation orchestrator. One inbound message
// fans out to parallel specialist workers and compiles their outputs into a
// single coherent reply per turn.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"chorus/internal/channel"
	"chorus/internal/classify"
	"chorus/internal/compiler"
	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/orchestrator"
	"chorus/internal/registry"
	"chorus/internal/store"
	"chorus/internal/types"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "chorus - multi-agent conversation orchestrator",
	Long: `chorus coordinates conversational turns across parallel specialist workers.

Each inbound message is normalized, classified, dispatched to every worker
registered for its intent, and the worker outputs are compiled into exactly
one reply. Session and user context persist across turns.

Use "chorus serve" to run the HTTP front end, or "chorus turn" to process a
single turn from the command line.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Initialize(logging.Options{
			Level:      level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// app bundles the wired components so commands can tear them down cleanly.
type app struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	store types.ContextStore
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("store close failed: %v", err)
	}
}

// buildApp wires the store, registry, classifier, compiler, and orchestrator
// from configuration.
func buildApp(cfg *config.Config) (*app, error) {
	var ctxStore types.ContextStore
	if cfg.Store.DatabasePath == "" {
		logging.Boot("using in-memory context store")
		ctxStore = store.NewMemoryStore(cfg.SessionIdleTTL())
	} else {
		sqlStore, err := store.NewSQLiteStore(cfg.Store.DatabasePath, cfg.SessionIdleTTL())
		if err != nil {
			return nil, fmt.Errorf("failed to open context store: %w", err)
		}
		sqlStore.StartSweeper(cfg.SweepInterval())
		logging.Boot("context store ready at %s (ttl %v)", cfg.Store.DatabasePath, cfg.SessionIdleTTL())
		ctxStore = sqlStore
	}

	reg := registry.New(cfg.DefaultWorkerTimeout(), registry.NewHTTPInvoker())
	cfg.Dispatch.Routes = registry.RegisterBuiltins(reg, cfg.Dispatch.Routes,
		cfg.Dispatch.ClarificationIntent, cfg.Dispatch.FallbackIntent)

	comp := compiler.New(cfg.Compiler.SimilarityThreshold,
		cfg.Compiler.AuthoritativeClaimSources, cfg.Compiler.FallbackReply)

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(channel.New(), ctxStore, reg, comp, classifier, cfg)
	logging.Boot("%s %s ready: %d routed intents, classifier=%s",
		cfg.Name, cfg.Version, len(cfg.Dispatch.Routes), cfg.Classify.Provider)
	return &app{cfg: cfg, orch: orch, store: ctxStore}, nil
}

// buildClassifier selects the classification provider. The genai provider
// degrades to the rules engine when it cannot be constructed, so a missing
// API key never prevents boot.
func buildClassifier(cfg *config.Config) (types.Classifier, error) {
	switch cfg.Classify.Provider {
	case "genai":
		classifier, err := classify.NewGenAIClassifier(cfg.Classify.APIKey, cfg.Classify.Model, knownIntents(cfg))
		if err == nil {
			return classifier, nil
		}
		logging.Get(logging.CategoryBoot).Warn("genai classifier unavailable, falling back to rules: %v", err)
		fallthrough
	case "rules", "":
		return classify.NewRuleClassifier(cfg.Classify.Rules, cfg.Classify.DefaultIntent), nil
	default:
		return nil, fmt.Errorf("unknown classify provider: %q", cfg.Classify.Provider)
	}
}

// knownIntents is the closed intent set offered to the model: every routed
// intent plus every rule-defined intent and the default.
func knownIntents(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var intents []string
	add := func(intent string) {
		if intent != "" && !seen[intent] {
			seen[intent] = true
			intents = append(intents, intent)
		}
	}
	for intent := range cfg.Dispatch.Routes {
		add(intent)
	}
	for intent := range cfg.Classify.Rules {
		add(intent)
	}
	add(cfg.Classify.DefaultIntent)
	return intents
}

// turnCmd processes a single turn from the command line.
var turnCmd = &cobra.Command{
	Use:   "turn [text]",
	Short: "Process one conversational turn and print the rendered reply",
	Long: `Runs one turn through the full pipeline without starting the server:
normalize, classify, dispatch workers, compile, persist, render.

Example:
  chorus turn --channel chat --user alice "what's the status of order 4711?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

var (
	turnChannel string
	turnSession string
	turnUser    string
)

func runTurn(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	application, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer application.close()

	payload, err := channel.MarshalInbound(turnSession, turnUser, strings.Join(args, " "))
	if err != nil {
		return err
	}

	rendered, err := application.orch.HandleTurn(cmd.Context(), payload, turnChannel)
	if err != nil {
		if errors.Is(err, types.ErrMalformedInput) || errors.Is(err, types.ErrUnsupportedChannel) {
			return fmt.Errorf("invalid turn: %w", err)
		}
		return err
	}

	fmt.Println(string(rendered))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chorus.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	turnCmd.Flags().StringVar(&turnChannel, "channel", "api", "Channel to process the turn on (voice, chat, api)")
	turnCmd.Flags().StringVar(&turnSession, "session", "", "Session id (minted when empty)")
	turnCmd.Flags().StringVar(&turnUser, "user", "cli", "User id")

	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
