// Toolloop drives local and hosted language models through a
// tool-calling loop.
//
// It exposes an HTTP API for running turns and streaming loop events,
// bridges tools from MCP servers, and optionally forwards activity to
// an MQTT broker. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolloop serve                  Start the API server
//	toolloop init [dir]             Write an example config.yaml
//	toolloop ask <question>         Run a single turn and print the reply
//	toolloop -model m ask <q>       Run the turn on a specific model
//	toolloop tools                  List the tools a turn can call
//	toolloop version                Print version and build information
//	toolloop -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/thane-toolloop/internal/agent"
	"github.com/nugget/thane-toolloop/internal/api"
	"github.com/nugget/thane-toolloop/internal/buildinfo"
	"github.com/nugget/thane-toolloop/internal/classify"
	"github.com/nugget/thane-toolloop/internal/config"
	"github.com/nugget/thane-toolloop/internal/connwatch"
	"github.com/nugget/thane-toolloop/internal/contextguard"
	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/feedback"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/mcp"
	"github.com/nugget/thane-toolloop/internal/mqtt"
	"github.com/nugget/thane-toolloop/internal/opstate"
	"github.com/nugget/thane-toolloop/internal/tools"
	"github.com/nugget/thane-toolloop/internal/usage"
)

// shutdownTimeout bounds draining in-flight requests and the MQTT
// offline publish.
const shutdownTimeout = 10 * time.Second

// main builds the OS-level environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed global flags.
type options struct {
	configPath string
	outputFmt  string
	model      string
}

// run is the real entry point. Logs go to stdout; the caller prints a
// returned error to stderr. Arguments are parsed by hand because the
// flag package's globals get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			opts.model = strings.TrimPrefix(args[i], "-model=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: toolloop ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	build := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(build)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range build.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolloop - tool-calling loop for language models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolloop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Run a single turn and print the reply")
	fmt.Fprintln(w, "  tools        List the tools a turn can call")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Model for ask (default: models.default)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolloop/config.yaml, /etc/toolloop/config.yaml")
	return nil
}

// runAsk runs one turn against the configured stack and prints the
// reply, or the full outcome with -o json.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, question string) error {
	// Logs go to stderr so the reply on stdout stays clean.
	rt, err := setup(ctx, stderr, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := agent.Request{
		Model:   opts.model,
		Message: question,
		Callbacks: agent.Callbacks{
			OnPreToolCall: func(desc string) { fmt.Fprintf(stderr, "→ %s\n", desc) },
			OnToolTimeout: func(desc string) { fmt.Fprintf(stderr, "⏱ %s timed out\n", desc) },
		},
	}
	out, err := rt.dispatcher.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintln(stdout, out.Text)
	return nil
}

// runTools prints every tool a turn can call, including those bridged
// from MCP servers.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	rt, err := setup(ctx, stderr, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rt.registry.List())
	}
	names := rt.registry.Names()
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "%-28s %s\n", name, rt.registry.Get(name).Description)
	}
	return nil
}

// runServe starts the API server, the MQTT bridge when configured, and
// blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx, stdout, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger
	cfg := rt.cfg

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.dispatcher, logger)
	server.SetUsage(rt.usage)
	server.SetTools(rt.registry)
	server.SetEventBus(rt.bus)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		bridge = mqtt.New(cfg.MQTT, instanceID, rt.bus, logger)
		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- Dependency health ---
	// Anthropic is not probed: its ping is a billed request.
	connMgr := connwatch.NewManager(rt.bus, logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, "ollama", rt.ollama.Ping, connwatch.DefaultBackoff())
	for _, name := range rt.gateway.Servers() {
		connMgr.Watch(ctx, "mcp:"+name, func(pCtx context.Context) error {
			return rt.gateway.Ping(pCtx, name)
		}, connwatch.DefaultBackoff())
	}
	if bridge != nil {
		connMgr.Watch(ctx, "mqtt", func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return bridge.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoff())
	}
	server.SetHealth(connMgr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil {
				return fmt.Errorf("mqtt bridge: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("toolloop stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient maps each configured model to its provider. Models
// not listed fall through to Ollama. The Ollama client is built by the
// caller so serve can watch it.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	defaultProvider := "ollama"
	if m := cfg.Model(cfg.Models.Default); m != nil {
		defaultProvider = m.Provider
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}

// modelBehaviors converts the configured models into loop behaviors.
func modelBehaviors(cfg *config.Config) map[string]agent.ModelBehavior {
	out := make(map[string]agent.ModelBehavior, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		out[m.Name] = agent.ModelBehavior{
			TextToolCalling:      m.TextToolCalling,
			ExplicitLoop:         m.ExplicitLoop,
			MaxIterations:        m.MaxIterations,
			NudgeOnHallucination: m.NudgeOnHallucination,
		}
	}
	return out
}

// mcpSpecs converts the configured MCP servers.
func mcpSpecs(servers []config.MCPServerConfig) []mcp.ServerSpec {
	specs := make([]mcp.ServerSpec, 0, len(servers))
	for _, s := range servers {
		specs = append(specs, mcp.ServerSpec{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
			Expose:    s.Expose,
			Timeout:   s.Timeout,
		})
	}
	return specs
}

// stack is the assembled loop stack shared by serve, ask and tools.
type stack struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	registry   *tools.Registry
	gateway    *mcp.Gateway
	ollama     *llm.OllamaClient
	usage      *usage.Store
	dispatcher *agent.Dispatcher

	closers []func() error
}

// Close releases everything setup opened, newest first.
func (r *stack) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}
}

// setup loads configuration and builds the loop stack: LLM providers,
// the tool registry with MCP bridges, the classifier, the SQLite
// stores, and the dispatcher. On error everything already opened is
// closed.
func setup(ctx context.Context, logw io.Writer, configPath string) (_ *stack, err error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger(logw)
	logger.Info("starting toolloop", buildinfo.Current().LogAttrs()...)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	rt := &stack{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	state, err := opstate.Open(filepath.Join(cfg.DataDir, "opstate.db"))
	if err != nil {
		return nil, fmt.Errorf("open opstate: %w", err)
	}
	rt.closers = append(rt.closers, state.Close)

	fb, err := feedback.Open(filepath.Join(cfg.DataDir, "feedback.db"))
	if err != nil {
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	rt.closers = append(rt.closers, fb.Close)

	rt.usage, err = usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	rt.closers = append(rt.closers, rt.usage.Close)

	// --- Context limits ---
	// Learned limits win over configured windows.
	limits := contextguard.NewLimitCache(state, logger)
	if err := limits.Load(ctx); err != nil {
		logger.Warn("failed to load learned context limits", "error", err)
	}
	for _, m := range cfg.Models.Available {
		limits.Seed(m.Name, m.ContextWindow)
	}

	rt.ollama = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	// --- Tools ---
	rt.registry = tools.NewRegistry()
	tools.RegisterBuiltins(rt.registry, time.Now)

	rt.gateway = mcp.NewGateway(rt.bus, logger)
	rt.closers = append(rt.closers, rt.gateway.Close)
	if len(cfg.MCP.Servers) > 0 {
		// A broken server is logged and skipped; the rest still serve.
		if err := rt.gateway.Connect(ctx, mcpSpecs(cfg.MCP.Servers)); err != nil {
			logger.Warn("some MCP servers are unavailable", "error", err)
		}
	}
	rt.gateway.Register(rt.registry)
	logger.Info("tools registered", "count", len(rt.registry.Names()), "mcp_servers", len(rt.gateway.Servers()))

	classifier, err := classify.NewHeuristic(cfg.Loop.HallucinationPatterns)
	if err != nil {
		return nil, fmt.Errorf("loop.hallucination_patterns: %w", err)
	}

	deps := agent.Deps{
		LLM:              createLLMClient(cfg, logger, rt.ollama),
		Tools:            rt.registry,
		Classifier:       classifier,
		Feedback:         fb,
		Limits:           limits,
		Events:           rt.bus,
		Logger:           logger,
		TimeoutThreshold: cfg.Loop.TimeoutThreshold,
		ToolTimeout:      cfg.Loop.ToolTimeout,
	}
	rt.dispatcher = agent.NewDispatcher(deps, agent.DispatcherConfig{
		DefaultModel:         cfg.Models.Default,
		SystemPrompt:         cfg.Loop.SystemPrompt,
		Models:               modelBehaviors(cfg),
		DefaultMaxIterations: cfg.Loop.MaxIterations,
		Usage:                rt.usage,
	})

	return rt, nil
}
