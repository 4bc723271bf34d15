package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/internal/logger"
	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/backend"
	"github.com/harun/mailpilot/pkg/chat"
	"github.com/harun/mailpilot/pkg/commandqueue"
	"github.com/harun/mailpilot/pkg/gateway"
	"github.com/harun/mailpilot/pkg/history"
	"github.com/harun/mailpilot/pkg/moderation"
)

const shutdownTimeout = 5 * time.Second

// Daemon wires the chat core to its backend, history and transports.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger
	version    string

	// Core modules
	queue         *commandqueue.CommandQueue
	backend       chat.Backend
	dispatcher    *chat.AsyncDispatcher
	contentFilter *moderation.ContentFilter
	suggestions   *chat.Suggestions
	manager       *chat.Manager

	// History
	store   history.Store
	cleanup *history.Cleanup

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	withGateway   bool

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool                 `json:"running"`
	StartTime   time.Time            `json:"start_time,omitempty"`
	Uptime      time.Duration        `json:"uptime"`
	Sessions    int                  `json:"sessions"`
	GatewayAddr string               `json:"gateway_addr,omitempty"`
	Clients     []gateway.ClientInfo `json:"clients,omitempty"`
	Backend     string               `json:"backend"`
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithoutGateway runs the chat core only, as the terminal client does.
// No listener is opened and no PID file is written.
func WithoutGateway() Option {
	return func(d *Daemon) { d.withGateway = false }
}

// WithVersion sets the version reported to tracing.
func WithVersion(version string) Option {
	return func(d *Daemon) { d.version = version }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:      cfg,
		logger:      log,
		version:     "dev",
		withGateway: true,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("mailpilot", d.version); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what a failed New already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// auditQueueEvent records how a session lane task ended.
func (d *Daemon) auditQueueEvent(event commandqueue.Event) {
	sessionID, ok := chat.SessionFromLane(event.Lane)
	if !ok {
		return
	}

	status := "success"
	if event.Type == commandqueue.EventRejected {
		status = "rejected"
	} else if success, _ := event.Data["success"].(bool); !success {
		status = "failure"
	}

	metadata := map[string]interface{}{"task_id": event.TaskID}
	for k, v := range event.Data {
		metadata[k] = v
	}
	observability.RecordChatAudit(context.Background(), "queue."+event.Type, sessionID, status, metadata)
}

func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(d.config.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Debug().Str("path", auditPath).Msg("Audit logger initialized")
	}

	d.queue = commandqueue.New(commandqueue.WithLogger(d.logger.Component("commandqueue")))
	d.queue.On(commandqueue.EventCompleted, d.auditQueueEvent)
	d.queue.On(commandqueue.EventRejected, d.auditQueueEvent)

	contentFilter, err := moderation.New(d.config.Chat.Moderation)
	if err != nil {
		return fmt.Errorf("failed to create content filter: %w", err)
	}
	d.contentFilter = contentFilter
	d.logger.Debug().Bool("enabled", d.config.Chat.Moderation.Enabled).Msg("Content moderation initialized")

	d.suggestions = chat.NewSuggestions(toSuggestions(d.config.Chat.Suggestions))

	replyBackend, err := backend.New(d.config.Backend, d.logger.Component("backend"))
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	d.backend = replyBackend

	dispatcher, err := chat.NewAsyncDispatcher(replyBackend,
		chat.WithQueue(d.queue),
		chat.WithTimeout(time.Duration(d.config.Backend.TimeoutSeconds)*time.Second),
		chat.WithDispatcherLogger(d.logger.Zerolog()),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = dispatcher
	d.logger.Info().Str("backend", replyBackend.Name()).Msg("Reply backend initialized")

	managerOpts := []chat.ManagerOption{
		chat.WithManagerDispatcher(dispatcher),
		chat.WithLaneQueue(d.queue),
		chat.WithSuggestions(d.suggestions),
		chat.WithSessionOptions(
			chat.WithPromptFilter(d.contentFilter),
			chat.WithMaxMessageLength(d.config.Chat.MaxMessageLength),
		),
		chat.WithManagerLogger(d.logger.Zerolog()),
	}

	if d.config.History.Enabled {
		store, err := history.Open(d.config.History)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		d.store = store

		cleanup, err := history.NewCleanup(store,
			time.Duration(d.config.History.RetentionDays)*24*time.Hour,
			d.config.History.CleanupSchedule,
		)
		if err != nil {
			return fmt.Errorf("failed to create history cleanup: %w", err)
		}
		d.cleanup = cleanup
		managerOpts = append(managerOpts, chat.WithArchiver(history.NewArchiver(store)))
		d.logger.Info().Str("store", store.Name()).Str("dir", d.config.History.Dir).Msg("History store initialized")
	}

	d.manager = chat.NewManager(managerOpts...)
	return nil
}

func (d *Daemon) initializeServices() error {
	if d.withGateway {
		gatewayServer, err := gateway.NewServer(gateway.Config{
			Host:          d.config.Gateway.Host,
			Port:          d.config.Gateway.Port,
			SharedSecret:  d.config.Gateway.SharedSecret,
			TickInterval:  time.Duration(d.config.Gateway.TickIntervalSeconds) * time.Second,
			RatePerSecond: d.config.Gateway.RateLimitPerSecond,
			RateBurst:     d.config.Gateway.RateLimitBurst,
			Manager:       d.manager,
			History:       d.store,
			Logger:        d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = gatewayServer
		if d.config.Gateway.SharedSecret == "" {
			d.logger.Warn().Msg("Gateway shared secret is empty, authentication is disabled")
		}
	}

	if d.configPath != "" {
		watcher, err := config.NewWatcher(config.NewLoader(d.configPath), 0, d.applyConfig, d.logger.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// applyConfig republishes the settings that can change without a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.suggestions.Replace(toSuggestions(cfg.Chat.Suggestions))
	if err := d.contentFilter.Update(cfg.Chat.Moderation); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply moderation rules, keeping previous rules")
	}

	d.mu.Lock()
	d.config.Chat.Suggestions = cfg.Chat.Suggestions
	d.config.Chat.Moderation = cfg.Chat.Moderation
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "reload", "watcher", map[string]interface{}{
		"suggestions": d.suggestions.Len(),
		"moderation":  cfg.Chat.Moderation.Enabled,
	})
	if d.gatewayServer != nil {
		d.gatewayServer.Broadcast("config.reloaded", map[string]interface{}{
			"suggestions": d.suggestions.List(),
		})
	}
	d.logger.Info().Int("suggestions", d.suggestions.Len()).Msg("Configuration reloaded")
}

func toSuggestions(in []config.SuggestionConfig) []chat.Suggestion {
	out := make([]chat.Suggestion, 0, len(in))
	for _, s := range in {
		out = append(out, chat.Suggestion{Text: s.Text, Description: s.Description})
	}
	return out
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting mailpilot")

	if d.withGateway {
		if err := d.lifecycle.Start(); err != nil {
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.cleanup != nil {
		if err := d.cleanup.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start history cleanup")
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher, hot reload disabled")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("mailpilot started")
	return nil
}

// Stop stops the daemon. Open conversations are archived before the
// history store closes.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping mailpilot")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if d.gatewayServer != nil && d.withGateway {
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.manager.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close session manager")
	}
	d.eventLoop.HandleShutdown()

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	d.queue.Off(commandqueue.EventCompleted)
	d.queue.Off(commandqueue.EventRejected)

	if d.cleanup != nil && d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop history cleanup")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history store")
		}
	}

	if d.withGateway {
		if err := d.lifecycle.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("mailpilot stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: len(d.manager.List()),
		Backend:  d.backend.Name(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gatewayServer != nil && d.withGateway {
			status.GatewayAddr = d.gatewayServer.Addr()
			status.Clients = d.gatewayServer.GetConnectedClients()
		}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx is done, and then
// stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetManager returns the chat session manager
func (d *Daemon) GetManager() *chat.Manager {
	return d.manager
}

// GetBackend returns the reply backend
func (d *Daemon) GetBackend() chat.Backend {
	return d.backend
}

// GetHistory returns the transcript store, nil when history is disabled
func (d *Daemon) GetHistory() history.Store {
	return d.store
}

// GetCleanup returns the history cleanup, nil when history is disabled
func (d *Daemon) GetCleanup() *history.Cleanup {
	return d.cleanup
}

// GetGatewayServer returns the gateway server, nil without a gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetLifecycle returns the lifecycle manager
func (d *Daemon) GetLifecycle() *LifecycleManager {
	return d.lifecycle
}
