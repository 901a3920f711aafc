package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentium/controller/internal/audit"
	"github.com/agentium/controller/internal/config"
	"github.com/agentium/controller/internal/eventbus"
	"github.com/agentium/controller/internal/llm"
	"github.com/agentium/controller/internal/obslog"
	"github.com/agentium/controller/internal/orchestrator"
	"github.com/agentium/controller/internal/planner"
	"github.com/agentium/controller/internal/registry"
	"github.com/agentium/controller/internal/scheduler"
	"github.com/agentium/controller/internal/secretstore"
	"github.com/agentium/controller/internal/security"
	"github.com/agentium/controller/internal/task"
	"github.com/agentium/controller/internal/transport/agentlink"
	"github.com/agentium/controller/internal/transport/httpapi"
	"github.com/agentium/controller/internal/transport/uiws"
	"github.com/agentium/controller/internal/version"
)

const (
	retentionSweepInterval = 10 * time.Minute
	retentionSweepBatch    = 500
	agentReapInterval      = 15 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "agentium-controller",
	Short:   "Agentium Controller - brain of the distributed task orchestrator",
	Version: version.Short(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController()
	},
}

func init() {
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			_ = viper.ReadInConfig()
		}
	})
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML; defaults come from AGENTIUM_* env vars)")
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runController() error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	startupCtx := context.Background()

	secrets, err := secretstore.New(startupCtx, cfg.Cloud)
	if err != nil {
		log.Fatalf("Failed to build secret store: %v", err)
	}
	defer secrets.Close()
	resolveLLMSecrets(startupCtx, cfg, secrets)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	structLog, err := obslog.New(startupCtx, cfg.Cloud, "controller")
	if err != nil {
		log.Fatalf("Failed to build structured logger: %v", err)
	}
	defer structLog.Close()
	structLog.Info("controller starting", map[string]any{"version": version.Info(), "port": cfg.Port})

	auditLogger := audit.NewLogger(cfg.AuditDir)
	bus := eventbus.New(0)
	defer bus.Close()

	store := task.NewStore(bus, auditLogger)
	reg := registry.New(cfg.HeartbeatTimeout(), bus)
	sched := scheduler.New(store, reg, auditLogger)

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		log.Fatalf("Failed to build LLM client: %v", err)
	}
	orc := orchestrator.New(store, reg, sched, planner.NewLive(llmClient))

	rateLimiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", agentlink.New(orc))
	mux.Handle("/ws/client", uiws.New(orc, bus))
	mux.Handle("/", httpapi.New(orc, rateLimiter))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopReaper := make(chan struct{})
	go reg.RunReaper(agentReapInterval, stopReaper)
	go runRetentionSweep(ctx, store, cfg.TaskRetention(), structLog)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		structLog.Info("received shutdown signal", map[string]any{"signal": sig.String()})
		close(stopReaper)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			structLog.Error("http server shutdown error", map[string]any{"error": err.Error()})
		}
	}()

	structLog.Info("listening", map[string]any{"addr": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		structLog.Error("controller exited with error", map[string]any{"error": err.Error()})
		log.Fatalf("Controller exited with error: %v", err)
	}

	structLog.Info("controller stopped", nil)
	return nil
}

// resolveLLMSecrets fills in any LLM credential the config loader left empty
// by asking the secret store for the same env var name Validate checks, so
// an operator can supply ANTHROPIC_API_KEY/OPENAI_API_KEY via Secret Manager
// instead of the process environment when cfg.Cloud.Project is set.
func resolveLLMSecrets(ctx context.Context, cfg *config.Config, secrets secretstore.Store) {
	if cfg.LLM.AnthropicKey == "" {
		if v, err := secrets.Get(ctx, "ANTHROPIC_API_KEY"); err == nil {
			cfg.LLM.AnthropicKey = v
		}
	}
	if cfg.LLM.OpenAIKey == "" {
		if v, err := secrets.Get(ctx, "OPENAI_API_KEY"); err == nil {
			cfg.LLM.OpenAIKey = v
		}
	}
}

// buildLLMClient resolves the live planner's provider/model. When an
// operator has configured routing overrides, the default role's override
// (if any) takes precedence over LLM_PROVIDER/LLM_MODEL for the single
// shared client, since Planner.Plan receives no per-request role hint at
// call time and true per-role switching would require changing that
// interface. See DESIGN.md for this Open Question decision.
func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	llmCfg := llm.Config{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		AnthropicKey: cfg.LLM.AnthropicKey,
		OpenAIKey:    cfg.LLM.OpenAIKey,
	}

	router := planner.NewRouter(cfg.Routing)
	if router.IsConfigured() {
		if override := router.ModelForRole(""); override.Provider != "" {
			llmCfg.Provider = override.Provider
			if override.Model != "" {
				llmCfg.Model = override.Model
			}
		}
	}

	return llm.New(llmCfg)
}

// runRetentionSweep periodically deletes terminal tasks older than the
// configured retention window.
func runRetentionSweep(ctx context.Context, store *task.Store, retention time.Duration, structLog obslog.Logger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := store.Sweep(retention, retentionSweepBatch); removed > 0 {
				structLog.Info("retention sweep", map[string]any{"removed": removed})
			}
		case <-ctx.Done():
			return
		}
	}
}
