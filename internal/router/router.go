// Package router wires every other package into a single running process
// (C10, §4.10): it owns the store, the sandbox engines, the supervisor,
// the runtime selector, the group queue, the IPC dispatcher, the
// scheduler, and the message loop, and exposes a minimal HTTP health
// surface over them.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nanoclaw/nanoclaw/internal/channel"
	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/constants"
	"github.com/nanoclaw/nanoclaw/internal/common/httpmw"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/groupqueue"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/messageloop"
	"github.com/nanoclaw/nanoclaw/internal/mountpolicy"
	"github.com/nanoclaw/nanoclaw/internal/runtimeselect"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/sandbox/container"
	"github.com/nanoclaw/nanoclaw/internal/sandbox/inprocess"
	"github.com/nanoclaw/nanoclaw/internal/sandbox/onetimevm"
	"github.com/nanoclaw/nanoclaw/internal/sandbox/persistentvm"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
	"github.com/nanoclaw/nanoclaw/pkg/agent"
)

// engineRegistry builds each sandbox engine once at startup and hands
// instances out to the Message Loop and Scheduler by resolved engine name,
// implementing messageloop.EngineSet.
type engineRegistry struct {
	engines map[agent.Engine]sandbox.Engine
}

func (r *engineRegistry) Engine(resolution runtimeselect.Resolution) (sandbox.Engine, error) {
	e, ok := r.engines[resolution.Engine]
	if !ok {
		return nil, fmt.Errorf("no sandbox engine wired for %q", resolution.Engine)
	}
	return e, nil
}

// Router owns every long-running component and its HTTP health surface.
type Router struct {
	cfg     *config.Config
	store   *store.Store
	queue   *groupqueue.Queue
	ipc     *ipc.Dispatcher
	sched   *scheduler.Scheduler
	loop    *messageloop.Loop
	channel channel.Channel
	http    *http.Server
	logger  *logger.Logger
}

// schedulerRunner adapts the Message Loop's single-run invocation path for
// the Scheduler's Runner interface, so a scheduled task is launched and
// supervised exactly like a live chat trigger (§4.9).
type schedulerRunner struct {
	store    *store.Store
	selector *runtimeselect.Selector
	engines  *engineRegistry
	super    *supervisor.Supervisor
	channel  channel.Channel
	sandbox  config.SandboxConfig
	logger   *logger.Logger
}

// RunTask launches a scheduled task's agent turn. When task.ContextMode is
// "group" the workspace's current session id is reused so the run joins the
// same conversation an interactive turn would see; "isolated" always starts
// a fresh session (§4.9 step 3).
func (r *schedulerRunner) RunTask(ctx context.Context, task store.ScheduledTask) error {
	ws, err := r.store.Workspace(ctx, task.WorkspaceFolder)
	if err != nil {
		return fmt.Errorf("look up workspace %s: %w", task.WorkspaceFolder, err)
	}
	if ws == nil {
		return fmt.Errorf("workspace %s is not registered", task.WorkspaceFolder)
	}

	resolution, err := r.selector.Resolve(ctx, *ws)
	if err != nil {
		return fmt.Errorf("resolve runtime for %s: %w", task.WorkspaceFolder, err)
	}
	engine, err := r.engines.Engine(resolution)
	if err != nil {
		return err
	}

	sessionID := ""
	if task.ContextMode == store.ContextModeGroup {
		if session, err := r.store.GetSession(ctx, task.WorkspaceFolder); err == nil && session != nil && session.AgentCLI == resolution.CLI.String() {
			sessionID = session.SessionID
		}
	}

	inv := sandbox.Invocation{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		WorkspaceFolder: task.WorkspaceFolder,
		ChatID:          ws.ChatJID,
		Privileged:      ws.Privileged,
		AgentCLI:        resolution.CLI,
		Timeout:         r.sandbox.TimeoutDuration(),
		IsScheduledTask: true,
	}

	handle, err := r.super.Launch(ctx, engine, inv, supervisor.Options{
		Timeout:        r.sandbox.TimeoutDuration(),
		IdleTimeout:    r.sandbox.IdleTimeoutDuration(),
		MaxOutputBytes: r.sandbox.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("launch scheduled task for %s: %w", task.WorkspaceFolder, err)
	}

	chatID := task.ChatID
	if chatID == "" {
		chatID = ws.ChatJID
	}
	for frame := range handle.Frames() {
		if frame.SessionID != "" {
			_ = r.store.SaveSession(ctx, task.WorkspaceFolder, resolution.CLI.String(), frame.SessionID)
		}
		if !frame.IsError() && frame.Result != "" && chatID != "" {
			if err := r.channel.SendMessage(ctx, chatID, frame.Result); err != nil {
				r.logger.Error("failed to send scheduled task reply to channel", zap.Error(err))
			}
		}
	}
	<-handle.Done()
	return handle.Err()
}

// New builds every component from cfg but does not start any of them.
func New(cfg *config.Config, log *logger.Logger) (*Router, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy, err := mountpolicy.Load(cfg.MountPolicy.ConfigPath)
	if err != nil {
		log.Warn("failed to load mount policy, falling back to an empty allowlist", zap.Error(err))
		policy = mountpolicy.New(mountpolicy.Config{})
	}

	engines, err := buildEngines(cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build sandbox engines: %w", err)
	}

	checker := runtimeselect.LookPathChecker{VMCLI: cfg.VM.CLI}
	selector := runtimeselect.New(st, cfg.Sandbox, checker, log)
	queue := groupqueue.New(log)
	super := supervisor.New(log)

	// No concrete chat adapter is wired by default (§1, §6.3 treats it as
	// an out-of-scope seam); the core talks to a LogChannel until a real
	// adapter is registered in cmd/.
	ch := channel.NewLogChannel(log)

	dispatcher := ipc.New(st, policy, queue, ch, cfg.Paths.IPCDir(), log)

	runner := &schedulerRunner{store: st, selector: selector, engines: engines, super: super, channel: ch, sandbox: cfg.Sandbox, logger: log}
	sched := scheduler.New(st, runner, cfg.Scheduler.IntervalDuration(), log)

	loop := messageloop.New(messageloop.Config{
		Store:          st,
		Queue:          queue,
		Selector:       selector,
		Engines:        engines,
		Supervisor:     super,
		Channel:        ch,
		Timeout:        cfg.Sandbox.TimeoutDuration(),
		IdleTimeout:    cfg.Sandbox.IdleTimeoutDuration(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		SelfName:       cfg.MessageLoop.SelfName,
		PollInterval:   cfg.MessageLoop.PollIntervalDuration(),
		Logger:         log,
	})

	r := &Router{
		cfg:     cfg,
		store:   st,
		queue:   queue,
		ipc:     dispatcher,
		sched:   sched,
		loop:    loop,
		channel: ch,
		logger:  log.WithFields(zap.String("component", "router")),
	}
	r.http = r.buildHTTPServer()
	return r, nil
}

// buildEngines constructs the four sandbox engines. The VM and in-process
// engines are always registered; a container engine that fails to
// construct (e.g. no Docker daemon reachable) is logged and simply left
// unregistered — the Runtime Selector's
// BinaryChecker-driven fallback chain (C4) then routes around it.
func buildEngines(cfg *config.Config, log *logger.Logger) (*engineRegistry, error) {
	reg := &engineRegistry{engines: make(map[agent.Engine]sandbox.Engine)}

	if containerEngine, err := container.New(cfg.Docker, cfg.Sandbox, cfg.Paths, log); err != nil {
		log.Warn("container sandbox engine unavailable", zap.Error(err))
	} else {
		reg.engines[agent.EngineContainer] = containerEngine
	}

	reg.engines[agent.EngineOneTimeVM] = onetimevm.New(cfg.VM.CLI, cfg.VM.BaseImage, log)
	reg.engines[agent.EnginePersistentVM] = persistentvm.New(cfg.VM.CLI, cfg.VM.BaseImage, cfg.Paths.VMImagesDir(), log)
	reg.engines[agent.EngineInProcess] = inprocess.New(cfg.Paths.WorkspacesDir(), log)

	if len(reg.engines) == 0 {
		return nil, fmt.Errorf("no sandbox engine could be constructed")
	}
	return reg, nil
}

func (r *Router) buildHTTPServer() *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmw.RequestLogger(r.logger, "nanoclaw-router"))

	engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), constants.HealthCheckTimeout)
		defer cancel()

		workspaces, err := r.store.Workspaces(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "workspaces": len(workspaces)})
	})

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Start launches every background component and the HTTP server. It
// returns once everything has been started; the components keep running
// until ctx is canceled or Shutdown is called.
func (r *Router) Start(ctx context.Context) {
	r.sched.Start(ctx)
	r.loop.Start(ctx)

	go func() {
		if err := r.ipc.Run(ctx, r.cfg.IPCDispatcher.PollIntervalDuration()); err != nil {
			r.logger.Error("ipc dispatcher stopped", zap.Error(err))
		}
	}()

	go func() {
		r.logger.Info("router listening", zap.String("addr", r.http.Addr))
		if err := r.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server exited", zap.Error(err))
		}
	}()
}

// Shutdown stops every component in reverse dependency order, waiting for
// in-flight agent runs up to ShutdownGrace before forcing them closed, and
// closes the store only once everything else has stopped (§5).
func (r *Router) Shutdown(ctx context.Context) error {
	r.sched.Stop()
	r.loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownGrace)
	defer cancel()
	if err := r.http.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("http server shutdown error", zap.Error(err))
	}

	r.queue.Shutdown(constants.ShutdownGrace)

	return r.store.Close()
}
