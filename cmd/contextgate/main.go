package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/contextgate/contextgate/internal/api"
	"github.com/contextgate/contextgate/internal/audit"
	"github.com/contextgate/contextgate/internal/circuit"
	"github.com/contextgate/contextgate/internal/config"
	"github.com/contextgate/contextgate/internal/gateway"
	"github.com/contextgate/contextgate/internal/hebbian"
	"github.com/contextgate/contextgate/internal/llm"
	"github.com/contextgate/contextgate/internal/llm/providers"
	"github.com/contextgate/contextgate/internal/logging"
	"github.com/contextgate/contextgate/internal/memory"
	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/planner"
	"github.com/contextgate/contextgate/internal/preflight"
	"github.com/contextgate/contextgate/internal/ratelimit"
	"github.com/contextgate/contextgate/internal/retrieval"
	"github.com/contextgate/contextgate/internal/sanitize"
	"github.com/contextgate/contextgate/internal/store"
	"github.com/contextgate/contextgate/internal/websearch"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "contextgate",
	Short:   "ContextGate - adaptive context gateway for LLM queries",
	Long:    `ContextGate routes user questions through preflight security checks, tiered memory retrieval and circuit-broken LLM agents, streaming the pipeline back to the client.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ContextGate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup lines, re-initialized once the
	// configuration is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "contextgate",
	})

	// .env is optional; environment variables win either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := config.Load()

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "contextgate",
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting ContextGate")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open memory store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracker *hebbian.Tracker
	if cfg.EnableCoRetrievalTracking {
		tracker = hebbian.NewTracker(st, hebbian.DefaultConfig())
	}

	var web websearch.Searcher = websearch.Disabled{}
	if cfg.EnableWebSearch && cfg.WebSearchURL != "" {
		web = websearch.NewHTTPClient(cfg.WebSearchURL)
	}

	auditor := audit.NewZerologSink()
	sanitizer := sanitize.New(cfg.PreflightStrict)
	engine := retrieval.NewEngine(
		retrieval.Config{
			PassthroughThreshold: cfg.PassthroughThreshold,
			MaxContextChars:      cfg.MaxContextChars,
			AdaptiveThresholds:   cfg.EnableAdaptiveThresholds,
			KnowledgePreflight:   cfg.EnableKnowledgePreflight,
			PreloadMinStrength:   retrieval.DefaultConfig().PreloadMinStrength,
			PreloadLimit:         retrieval.DefaultConfig().PreloadLimit,
		},
		st.CacheTier(),
		st.KnowledgeTier(),
		nil, // no legacy tier in a fresh deployment
		web,
		trackerOrNil(tracker),
		sanitizer,
		auditor,
	)

	registry, modelVersion := buildAgents(cfg)
	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		RecoveryTimeout:  cfg.CBRecoveryTimeout,
		SuccessThreshold: cfg.CBSuccessThreshold,
	})
	coordinator := llm.NewCoordinator(llm.Config{
		SystemPrompt:    cfg.SystemPrompt,
		MaxContextChars: cfg.MaxContextChars,
	}, registry, breakers)

	writer := memory.NewWriter(memory.Config{
		RawTTL:               cfg.RawTTL,
		EnrichedTTL:          cfg.EnrichedTTL,
		KnowledgeTTL:         cfg.KnowledgeTTL,
		EnableFactExtraction: false, // no fact extractor configured yet
		PromptVersion:        cfg.PromptVersion,
	}, st, nil)

	orch := gateway.New(gateway.Deps{
		Gate:    preflight.NewGate(preflight.Config{StrictMode: cfg.PreflightStrict}),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			GlobalLimit:  cfg.GlobalRateLimit,
			BlockedLimit: cfg.BlockedRateLimit,
			Window:       cfg.RateLimitWindow,
		}),
		Planner: planner.New(planner.Config{
			EnableWebSearch: cfg.EnableWebSearch,
			EnableAugment:   true,
		}, nil, nil, nil),
		Retriever:    engine,
		Streamer:     coordinator,
		Agents:       registry,
		Writer:       writer,
		History:      st,
		Flusher:      flusherOrNil(tracker),
		Auditor:      auditor,
		Sanitizer:    sanitizer,
		ModelVersion: modelVersion,
	})

	startPurgeLoop(ctx, st)

	server := api.NewServer(orch, breakers, st)
	if err := server.Listen(ctx, cfg.ListenAddr); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown left pending work")
	}
	log.Info().Msg("ContextGate stopped")
}

// buildAgents registers the configured agents and derives intent routes from
// each agent's declared strengths. Returns the registry and the primary
// agent's model version for idempotency keys.
func buildAgents(cfg config.Config) (*llm.Registry, string) {
	agents := []llm.Agent{
		providers.NewOllama("ollama", cfg.OllamaURL, cfg.OllamaModel),
	}
	if cfg.OpenAIBaseURL != "" {
		agents = append(agents, providers.NewOpenAICompatible(
			"openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAICostPerM))
	}

	routes := make(map[models.Intent]string)
	for _, agent := range agents {
		for _, intent := range agent.Metadata().BestFor {
			if _, taken := routes[models.Intent(intent)]; !taken {
				routes[models.Intent(intent)] = agent.Name()
			}
		}
	}

	registry := llm.NewRegistry(cfg.DefaultAgent, cfg.FallbackAgents, routes)
	for _, agent := range agents {
		registry.Register(agent)
		log.Info().
			Str("agent", agent.Name()).
			Str("model", agent.Metadata().Model).
			Bool("local", agent.Metadata().IsLocal).
			Msg("Registered agent")
	}

	modelVersion := cfg.OllamaModel
	if primary, ok := registry.Select(models.IntentGeneral, ""); ok {
		modelVersion = primary.Metadata().Model
	}
	return registry, modelVersion
}

// startPurgeLoop expires raw and enriched memories past their TTL.
func startPurgeLoop(ctx context.Context, st *store.Store) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpired(time.Now()); err != nil {
					log.Warn().Err(err).Msg("TTL purge failed")
				} else if n > 0 {
					log.Debug().Int64("purged", n).Msg("Expired memories purged")
				}
			}
		}
	}()
}

// trackerOrNil keeps a typed-nil *hebbian.Tracker out of the engine's
// interface field.
func trackerOrNil(t *hebbian.Tracker) retrieval.AssociationTracker {
	if t == nil {
		return nil
	}
	return t
}

func flusherOrNil(t *hebbian.Tracker) gateway.EdgeFlusher {
	if t == nil {
		return nil
	}
	return t
}
