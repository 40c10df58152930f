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

	"github.com/taskforge/taskforge/internal/api"
	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/migrations"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/orchestrator"
	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
	"github.com/taskforge/taskforge/pkg/workflow"
)

func main() {
	initConfig()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Taskforge - multi-agent task orchestration backend",
	Long: `Taskforge accepts natural-language messages, plans multi-step work,
dispatches steps to tool-using agents, and reports progress in real time.

It runs scheduled jobs (tasks, workflows, webhooks, commands) on
cron/interval/once triggers and executes workflow node graphs.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long: `Start the API server.

The server will:
- Open the sqlite stores and run migrations
- Register agents, tools, and model providers
- Start the scheduler tick loop (unless disabled)
- Serve the REST API at /api/* and the event stream at /ws`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer(viper.GetString("http.port"))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Run: func(cmd *cobra.Command, args []string) {
		if _, _, _, err := openStores(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("migrations applied")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(migrateCmd)

	serverCmd.Flags().StringP("port", "p", "3000", "Port to listen on")
	viper.BindPFlag("http.port", serverCmd.Flags().Lookup("port"))
}

// initConfig wires Viper to the recognised environment variables and
// their defaults.
func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.taskforge")
	viper.AddConfigPath("/etc/taskforge")

	viper.AutomaticEnv()

	viper.BindEnv("http.port", "HTTP_PORT")
	viper.BindEnv("db.path", "DB_PATH")
	viper.BindEnv("db.scheduler_path", "SCHEDULER_DB_PATH")
	viper.BindEnv("db.workflow_path", "WORKFLOW_DB_PATH")
	viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	viper.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	viper.BindEnv("scheduler.tick_ms", "SCHEDULER_TICK_MS")
	viper.BindEnv("scheduler.max_concurrent", "SCHEDULER_MAX_CONCURRENT")
	viper.BindEnv("scheduler.default_retries", "SCHEDULER_DEFAULT_RETRIES")
	viper.BindEnv("scheduler.default_timeout_ms", "SCHEDULER_DEFAULT_TIMEOUT_MS")
	viper.BindEnv("orchestrator.max_concurrent_steps", "ORCH_MAX_CONCURRENT_STEPS")
	viper.BindEnv("orchestrator.default_step_timeout_ms", "ORCH_DEFAULT_STEP_TIMEOUT_MS")
	viper.BindEnv("orchestrator.max_retries", "ORCH_MAX_RETRIES")
	viper.BindEnv("orchestrator.retry_delay_ms", "ORCH_RETRY_DELAY_MS")
	viper.BindEnv("providers.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.openai_model", "OPENAI_MODEL")
	viper.BindEnv("providers.local_base_url", "LOCAL_PROVIDER_URL")

	viper.SetDefault("http.port", "3000")
	viper.SetDefault("db.path", "taskforge.db")
	viper.SetDefault("db.scheduler_path", "taskforge-scheduler.db")
	viper.SetDefault("db.workflow_path", "taskforge-workflow.db")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.tick_ms", 60_000)
	viper.SetDefault("scheduler.max_concurrent", 10)
	viper.SetDefault("scheduler.default_retries", 3)
	viper.SetDefault("scheduler.default_timeout_ms", 300_000)
	viper.SetDefault("orchestrator.max_concurrent_steps", 3)
	viper.SetDefault("orchestrator.default_step_timeout_ms", 60_000)
	viper.SetDefault("orchestrator.max_retries", 2)
	viper.SetDefault("orchestrator.retry_delay_ms", 1_000)
	viper.SetDefault("providers.openai_model", "gpt-4o-mini")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("Error reading config file: %v", err)
		}
	}
}

func openStores() (*store.CoreStore, *store.SchedulerStore, *store.WorkflowStore, error) {
	coreDB, err := db.Open(viper.GetString("db.path"), migrations.Core())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open core db: %w", err)
	}
	schedDB, err := db.Open(viper.GetString("db.scheduler_path"), migrations.Scheduler())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open scheduler db: %w", err)
	}
	wfDB, err := db.Open(viper.GetString("db.workflow_path"), migrations.Workflow())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open workflow db: %w", err)
	}
	return store.NewCoreStore(coreDB), store.NewSchedulerStore(schedDB), store.NewWorkflowStore(wfDB), nil
}

// buildProviders registers every back-end whose credentials are
// present; a missing credential simply leaves that back-end out.
func buildProviders() (*provider.Registry, *provider.ModelRouter) {
	registry := provider.NewRegistry()

	if key := viper.GetString("providers.openai_api_key"); key != "" {
		registry.Register("openai", provider.NewOpenAIProvider(key, viper.GetString("providers.openai_model")), true)
	}
	if base := viper.GetString("providers.local_base_url"); base != "" {
		registry.Register("local", provider.NewLocalProvider(base), false)
	}

	router := provider.NewModelRouter(registry, "openai")
	router.AddRule(provider.RouteRule{
		Name:     "short-no-tools",
		Provider: "local",
		Predicate: func(req provider.Request) bool {
			return len(req.Tools) == 0 && promptLength(req) < 280
		},
	})
	router.AddRule(provider.RouteRule{
		Name:     "long-many-tools",
		Provider: "openai",
		Predicate: func(req provider.Request) bool {
			return len(req.Tools) >= 4 || promptLength(req) > 4000
		},
	})
	return registry, router
}

func promptLength(req provider.Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

// buildAgents registers the default agent roster. New personas are
// added here; the planner validates every plan against this set.
func buildAgents(tools *tool.Registry) (*orchestrator.AgentRegistry, []api.AgentInfo) {
	registry := orchestrator.NewAgentRegistry()

	roster := []struct {
		agent        agent.Agent
		description  string
		capabilities []string
	}{
		{
			agent: agent.Agent{
				ID:           "default_research_agent",
				Name:         "researcher",
				SystemPrompt: "You are a research agent. Investigate the given goal thoroughly and reply with a concise summary of your findings.",
				MaxTokens:    2048,
			},
			description:  "Investigates questions and gathers findings",
			capabilities: []string{"research", "summarize"},
		},
		{
			agent: agent.Agent{
				ID:           "code_agent",
				Name:         "coder",
				SystemPrompt: "You are a coding agent. Produce working code and explain the key decisions briefly.",
				MaxTokens:    4096,
			},
			description:  "Writes and reviews code",
			capabilities: []string{"code", "review"},
		},
		{
			agent: agent.Agent{
				ID:           "writer_agent",
				Name:         "writer",
				SystemPrompt: "You are a writing agent. Draft clear, well-structured prose for the requested audience.",
				MaxTokens:    2048,
			},
			description:  "Drafts and edits prose",
			capabilities: []string{"write", "edit"},
		},
	}

	infos := make([]api.AgentInfo, 0, len(roster))
	for _, entry := range roster {
		registry.Register(entry.agent)
		infos = append(infos, api.AgentInfo{
			ID:           entry.agent.ID,
			Name:         entry.agent.Name,
			Description:  entry.description,
			Capabilities: entry.capabilities,
			Status:       "idle",
		})
	}
	return registry, infos
}

func startServer(port string) {
	core, jobs, workflows, err := openStores()
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		log.Fatal("server: JWT_SECRET is required")
	}

	tools := tool.NewRegistry()
	providers, router := buildProviders()
	agents, agentInfos := buildAgents(tools)

	orchCfg := orchestrator.Config{
		MaxConcurrentSteps: viper.GetInt("orchestrator.max_concurrent_steps"),
		DefaultStepTimeout: time.Duration(viper.GetInt64("orchestrator.default_step_timeout_ms")) * time.Millisecond,
		MaxRetries:         viper.GetInt("orchestrator.max_retries"),
		RetryDelay:         time.Duration(viper.GetInt64("orchestrator.retry_delay_ms")) * time.Millisecond,
	}
	orch := orchestrator.New(core, agents, tools, providers, router, orchCfg)

	// The workflow engine drives task nodes through the same agent loop
	// the orchestrator uses, via this adapter.
	engine := workflow.New(workflows, func(ctx context.Context, agentID, task string, vars map[string]any) (map[string]any, error) {
		a, ok := agents.Get(agentID)
		if !ok {
			return nil, fmt.Errorf("agent %q not registered", agentID)
		}
		p, err := providers.Default()
		if err != nil {
			return nil, err
		}
		loop := agent.NewLoop(a, p, tools)
		res, err := loop.Run(ctx, task, agent.Callbacks{})
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskResult": res.Content}, nil
	})

	schedCfg := scheduler.Config{
		TickInterval:      time.Duration(viper.GetInt64("scheduler.tick_ms")) * time.Millisecond,
		MaxConcurrent:     viper.GetInt("scheduler.max_concurrent"),
		DefaultRetries:    viper.GetInt("scheduler.default_retries"),
		DefaultRetryDelay: 5 * time.Second,
		DefaultTimeout:    time.Duration(viper.GetInt64("scheduler.default_timeout_ms")) * time.Millisecond,
	}
	sched := scheduler.New(jobs, schedCfg,
		func(ctx context.Context, message string) (string, error) {
			result, err := orch.HandleMessage(ctx, message, "scheduler", orchestrator.Callbacks{})
			if err != nil {
				return "", err
			}
			if result.Error != "" {
				return result.Summary, fmt.Errorf("%s", result.Error)
			}
			return result.Summary, nil
		},
		func(ctx context.Context, workflowID string, input map[string]any) (any, error) {
			def, err := workflows.GetWorkflow(workflowID)
			if err != nil {
				return nil, err
			}
			exec, err := engine.Start(ctx, def, input)
			if err != nil {
				return nil, err
			}
			return exec.Output, nil
		},
		scheduler.Callbacks{
			OnFail: func(job *models.ScheduledJob, exec *models.JobExecution) {
				log.Printf("scheduler: job %s execution %s failed: %s", job.ID, exec.ID, exec.Error)
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if viper.GetBool("scheduler.enabled") {
		go sched.Run(ctx)
		log.Printf("scheduler ticking every %s", schedCfg.TickInterval)
	}

	srv := api.NewServer(core, jobs, workflows, orch, sched, engine, agentInfos, api.NewAuthenticator(secret))

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop the tick loop, then give in-flight requests time to drain.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	} else {
		log.Println("Server exited gracefully")
	}
}
