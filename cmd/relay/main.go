package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/cascade"
	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/llm/ollama"
	relaylogger "github.com/aschepis/backscratcher/relay/logger"
	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/models"
	"github.com/aschepis/backscratcher/relay/openrouter"
	"github.com/aschepis/backscratcher/relay/store"
	"github.com/aschepis/backscratcher/relay/stream"
	"github.com/aschepis/backscratcher/relay/tools"
)

const defaultPrompt = "Explain in two sentences why retries need backoff."

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := failureHint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

// failureHint returns remediation advice for failures that carry an HTTP
// status, or "" for local errors.
func failureHint(err error) string {
	status := llm.StatusCode(err)
	if status == 0 {
		return ""
	}
	return llm.Hint(status)
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to config file (default $RELAY_CONFIG_PATH or ~/.relay/config.yaml)")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath     = flag.String("db", "", "Path to SQLite database file (overrides database.path)")
		mode       = flag.String("mode", "complete", "One of: complete, fallback, chain, stream, structured, tools, history, add-record")
		prompt     = flag.String("prompt", defaultPrompt, "User prompt")
		system     = flag.String("system", "", "System prompt")
		model      = flag.String("model", "", "Model to use (default: primary tier, or selected from -task/-priority/-budget)")
		task       = flag.String("task", "", "Task kind for model selection (general, coding, reasoning, creative, summarization, translation)")
		priority   = flag.String("priority", "", "Selection priority (quality, speed, cost, balanced)")
		budget     = flag.String("budget", "", "Budget for cost priority (free, low, medium, high)")
		online     = flag.Bool("online", false, "Select a web-search model variant")
		title      = flag.String("title", "", "Record title for add-record mode")
		limit      = flag.Int("limit", 20, "Number of runs shown in history mode")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := relaylogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("mode", *mode).Str("db", cfg.Database.Path).Msg("relay starting")

	st, err := store.Open(config.ExpandPath(cfg.Database.Path), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close() //nolint:errcheck // No remedy for db close errors

	// Modes that never touch the network.
	switch *mode {
	case "history":
		return printHistory(ctx, st, *limit)
	case "add-record":
		id, err := st.AddRecord(ctx, *title, *prompt)
		if err != nil {
			return err
		}
		fmt.Printf("Added record %d\n", id)
		return nil
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	registry := tools.NewRegistry(logger)
	registry.RegisterBuiltins(st)

	opts := []openrouter.Option{
		openrouter.WithLogger(logger),
		openrouter.WithTools(registry),
		openrouter.WithRunRecorder(st),
	}
	if cfg.Local.Enabled {
		probe, err := ollama.NewProbe(cfg.Local.Host, nil, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Local tier disabled")
		} else {
			opts = append(opts, openrouter.WithLocalProbe(probe))
		}
	}

	client, err := openrouter.New(cfg, opts...)
	if err != nil {
		return err
	}

	req := buildRequest(*prompt, *system, *model, *task, *priority, *budget, *online)
	return execute(ctx, client, *mode, req, logger)
}

// buildRequest selects a model from the requirements flags when any is set;
// otherwise the request carries only the prompt and an optional model.
func buildRequest(prompt, system, model, task, priority, budget string, online bool) *llm.Request {
	var req *llm.Request
	if task != "" || priority != "" || budget != "" || online {
		req = models.BuildRequest(prompt, models.Requirements{
			Task:             models.Task(task),
			Priority:         models.Priority(priority),
			Budget:           models.Budget(budget),
			NeedsCurrentInfo: online,
		})
	} else {
		req = &llm.Request{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, prompt)}}
	}
	if model != "" {
		req.Model = model
	}
	req.System = system
	return req
}

func execute(ctx context.Context, client *openrouter.Client, mode string, req *llm.Request, logger zerolog.Logger) error {
	switch mode {
	case "complete":
		resp, err := client.Complete(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(resp.Message.Content)
		fmt.Printf("\n[model=%s tokens=%d finish=%s]\n", resp.Model, resp.Usage.TotalTokens, resp.FinishReason)

	case "fallback", "chain":
		var (
			res *openrouter.Result
			err error
		)
		if mode == "fallback" {
			res, err = client.CompleteWithFallbacks(ctx, req)
		} else {
			res, err = client.CompleteWithModelChain(ctx, req)
		}
		var all *cascade.AllStrategiesFailedError
		if errors.As(err, &all) {
			for _, f := range all.Failures {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", f.Label, f.Err)
			}
		}
		if err != nil {
			return err
		}
		fmt.Println(res.Content)
		fmt.Printf("\n[strategy=%s model=%s tokens=%d failed_tiers=%d]\n", res.Strategy, res.Model, res.TotalTokens, len(res.Failures))

	case "stream":
		res, err := client.Stream(ctx, req, func(d stream.Delta) {
			fmt.Print(d.Content)
		})
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Printf("[model=%s tokens=%d finish=%s chunks=%d]\n", res.Model, res.TotalTokens, res.FinishReason, res.Chunks)

	case "structured":
		res, err := client.CompleteStructured(ctx, req, "weather_report", openrouter.WeatherReportSchema)
		if res != nil {
			fmt.Println(res.Response.Message.Content)
		}
		if err != nil {
			return err
		}
		fmt.Println("[valid]")

	case "tools":
		res, err := client.RunTools(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(res.Response.Message.Content)
		fmt.Printf("\n[iterations=%d tool_calls=%d]\n", res.Iterations, res.ToolCalls)

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	logger.Debug().Str("mode", mode).Msg("relay finished")
	return nil
}

func printHistory(ctx context.Context, st *store.Store, limit int) error {
	runs, err := st.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "ok"
		if r.Error != "" {
			status = "error: " + r.Error
		}
		fmt.Printf("%s  %-8s %-30s %-40s tokens=%-6d failed=%d %s  %s\n",
			r.CreatedAt.Format(time.RFC3339), r.Kind, r.Strategy, r.Model, r.TotalTokens, r.FailedTiers, r.Duration, status)
	}
	return nil
}
