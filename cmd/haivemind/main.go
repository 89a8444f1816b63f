// Package main is the entry point for the hAIvemind orchestration core:
// a headless CLI (this file) and, when --serve is passed, the REST/
// WebSocket transport (internal/restseed) over the same services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/autopilot"
	"github.com/haivemind/core/internal/backend"
	"github.com/haivemind/core/internal/checkpoint"
	"github.com/haivemind/core/internal/common/apperrors"
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/common/tracing"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/eventbus/wsfanout"
	"github.com/haivemind/core/internal/httpmw"
	"github.com/haivemind/core/internal/oracle"
	"github.com/haivemind/core/internal/restseed"
	"github.com/haivemind/core/internal/session"
	"github.com/haivemind/core/internal/workspacestore"
)

// Exit codes, per spec.md §6: 0 success; 1 any failed task or error; 2 usage.
const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("haivemind", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit machine-readable JSON output")
	mock := fs.Bool("mock", false, "use the mock backend and skip the verify-fix loop")
	cycles := fs.Int("cycles", 0, "autopilot: max cycles (0 means the default of 3)")
	serve := fs.Bool("serve", false, "also start the REST/WebSocket transport")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: haivemind [--json] [--mock] [--cycles=N] [--serve] <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: projects | status <slug> | build <slug> \"<prompt>\" | replay <slug> <sid> | autopilot <slug> \"<prompt>\"")
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitFailure
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitFailure
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap(cfg, log)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return exitFailure
	}

	if *serve {
		go app.serveHTTP(cfg, log)
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "projects":
		return app.cmdProjects(*jsonOut)
	case "status":
		if len(cmdArgs) < 1 {
			fs.Usage()
			return exitUsage
		}
		return app.cmdStatus(cmdArgs[0], *jsonOut)
	case "build":
		if len(cmdArgs) < 2 {
			fs.Usage()
			return exitUsage
		}
		return app.cmdBuild(cmdArgs[0], cmdArgs[1], *mock, *jsonOut)
	case "replay":
		if len(cmdArgs) < 2 {
			fs.Usage()
			return exitUsage
		}
		return app.cmdReplay(cmdArgs[0], cmdArgs[1], *jsonOut)
	case "autopilot":
		if len(cmdArgs) < 2 {
			fs.Usage()
			return exitUsage
		}
		return app.cmdAutopilot(cmdArgs[0], cmdArgs[1], *mock, *cycles, *jsonOut)
	default:
		fs.Usage()
		return exitUsage
	}
}

// application holds every wired service the CLI and, optionally, the
// REST transport drive.
type application struct {
	store       *workspacestore.Store
	checkpoints *checkpoint.Service
	sessions    *session.Service
	pilot       *autopilot.Loop
	bus         eventbus.Bus
	hub         *wsfanout.Hub
}

// bootstrap wires config into every service, registers the backend
// catalog, and reconciles any checkpoints orphaned by a prior crash.
func bootstrap(cfg *config.Config, log *logger.Logger) (*application, error) {
	var bus eventbus.Bus
	if cfg.Events.NATS.URL != "" {
		natsBus, err := eventbus.NewNATSBus(cfg.Events.NATS, cfg.Events.Namespace, log)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS event bus: %w", err)
		}
		bus = natsBus
	} else {
		bus = eventbus.NewMemoryBus(log)
	}

	store, err := workspacestore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open workspace store: %w", err)
	}

	cpSvc, err := checkpoint.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint service: %w", err)
	}
	cpSvc.Start(context.Background())

	registry := backend.NewRegistry()
	registry.Register("mock", func() (backend.Backend, error) {
		return backend.NewMockBackend(backend.MockScript{Output: []byte("mock agent run complete\n")}), nil
	})
	registry.Register("copilot", func() (backend.Backend, error) {
		return backend.NewExecBackend("copilot", nil, "--model"), nil
	})
	registry.Register("ollama", func() (backend.Backend, error) {
		return backend.NewExecBackend("ollama", []string{"run"}, "--model"), nil
	})
	if cfg.Docker.Enabled {
		registry.Register("docker", func() (backend.Backend, error) {
			return backend.NewDockerBackend(cfg.Docker.Host, cfg.Docker.Image, nil)
		})
	}

	decomposer := &oracle.MockDecomposer{}
	verifier := &oracle.MockVerifier{}
	planner := &oracle.MockPlanner{}

	svc := session.New(cfg, log, bus, store, workspacestore.NewStartLocks(), cpSvc, registry, decomposer, verifier, &session.MockSnapshotter{})
	pilot := autopilot.New(log, bus, svc, planner, store)
	hub := wsfanout.NewHub(bus, log)

	finalized := map[string]bool{}
	for _, project := range mustListProjects(store, log) {
		for _, sess := range mustListSessions(store, project.Slug, log) {
			if sess.Status == domain.SessionCompleted || sess.Status == domain.SessionFailed {
				finalized[sess.SessionID] = true
			}
		}
	}
	recovered, err := cpSvc.Recover(finalized)
	if err != nil {
		log.Warn("checkpoint recovery scan failed", zap.Error(err))
	} else if len(recovered) > 0 {
		log.Info("recovered interrupted sessions from a prior crash", zap.Int("count", len(recovered)))
	}

	return &application{store: store, checkpoints: cpSvc, sessions: svc, pilot: pilot, bus: bus, hub: hub}, nil
}

func mustListProjects(store *workspacestore.Store, log *logger.Logger) []*domain.Project {
	projects, err := store.ListProjects()
	if err != nil {
		log.Warn("failed to list projects during startup recovery scan", zap.Error(err))
		return nil
	}
	return projects
}

func mustListSessions(store *workspacestore.Store, slug string, log *logger.Logger) []*domain.Session {
	sessions, err := store.ListSessions(slug)
	if err != nil {
		log.Warn("failed to list sessions during startup recovery scan", zap.String("project_slug", slug), zap.Error(err))
		return nil
	}
	return sessions
}

// serveHTTP starts the REST/WebSocket transport and blocks until a
// shutdown signal arrives.
func (a *application) serveHTTP(cfg *config.Config, log *logger.Logger) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("haivemind-core"))
	restseed.SetupRoutes(router.Group("/api"), a.store, a.sessions, a.checkpoints, a.pilot, a.hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("REST transport listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("REST transport stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("REST transport shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
}

func (a *application) cmdProjects(asJSON bool) int {
	projects, err := a.store.ListProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	if asJSON {
		return printJSON(projects)
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\n", p.Slug, p.Name, p.Directory)
	}
	return exitSuccess
}

func (a *application) cmdStatus(slug string, asJSON bool) int {
	project, err := a.store.GetProject(slug)
	if err != nil {
		return reportError(err, asJSON)
	}
	sessions, err := a.store.ListSessions(slug)
	if err != nil {
		return reportError(err, asJSON)
	}
	if asJSON {
		return printJSON(map[string]interface{}{"project": project, "sessions": sessions})
	}
	fmt.Printf("project %s (%s)\n", project.Slug, project.Directory)
	for _, s := range sessions {
		fmt.Printf("  session %s\t%s\tstarted %s\n", s.SessionID, s.Status, s.StartedAt.Format(time.RFC3339))
	}
	return exitSuccess
}

func (a *application) cmdBuild(slug, prompt string, mockMode, asJSON bool) int {
	opts := session.StartOptions{Mock: mockMode}
	sess, err := a.sessions.Start(context.Background(), slug, prompt, opts)
	if err != nil {
		return reportError(err, asJSON)
	}
	return reportSession(sess, asJSON)
}

// cmdReplay reloads a finalized session's DAG, agent records, and
// timeline verbatim from storage for a time-scrub view. Unlike
// cmdAutopilot/cmdBuild, it never re-enters the scheduling/spawn
// pipeline: no tasks are re-executed and no agents are spawned.
func (a *application) cmdReplay(slug, sessionID string, asJSON bool) int {
	sess, err := a.store.GetSession(slug, sessionID)
	if err != nil {
		return reportError(err, asJSON)
	}
	if asJSON {
		return printJSON(sess)
	}
	fmt.Printf("session %s\t%s\n", sess.SessionID, sess.Status)
	for _, task := range planTasks(sess) {
		fmt.Printf("  task %s\t%s\n", task.TaskID, task.Status)
	}
	for _, entry := range sess.Timeline {
		fmt.Printf("  [%s] %s\n", entry.At.Format(time.RFC3339), entry.Kind)
	}
	return exitSuccess
}

func (a *application) cmdAutopilot(slug, prompt string, mockMode bool, cycles int, asJSON bool) int {
	opts := autopilot.Options{MaxCycles: cycles}
	if mockMode {
		opts.BackendName = "mock"
	}
	result, err := a.pilot.Run(context.Background(), slug, prompt, opts)
	if err != nil {
		return reportError(err, asJSON)
	}
	if asJSON {
		return printJSON(result)
	}
	fmt.Printf("autopilot stopped after %d cycle(s): %s\n", result.Cycles, result.StopReason)
	return exitSuccess
}

func reportSession(sess *domain.Session, asJSON bool) int {
	if asJSON {
		printJSON(sess)
	} else {
		fmt.Printf("session %s\t%s\n", sess.SessionID, sess.Status)
		for _, task := range planTasks(sess) {
			fmt.Printf("  task %s\t%s\n", task.TaskID, task.Status)
		}
	}
	if sess.Status == domain.SessionFailed {
		return exitFailure
	}
	for _, task := range planTasks(sess) {
		if task.Status == domain.TaskFailed {
			return exitFailure
		}
	}
	return exitSuccess
}

func planTasks(sess *domain.Session) []*domain.Task {
	return sess.Plan.Tasks
}

func reportError(err error, asJSON bool) int {
	if asJSON {
		printJSON(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if apperrors.IsNotFound(err) || apperrors.ClassOf(err) == apperrors.ClassUser {
		return exitUsage
	}
	return exitFailure
}

func printJSON(v interface{}) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to encode JSON output: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}
