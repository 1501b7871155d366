package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theblitlabs/taskfleet/internal/api"
	"github.com/theblitlabs/taskfleet/internal/api/handlers"
	v1 "github.com/theblitlabs/taskfleet/internal/api/v1"
	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/internal/core/services"
	"github.com/theblitlabs/taskfleet/internal/database/repositories"
	"github.com/theblitlabs/taskfleet/internal/storage/db"
	"github.com/theblitlabs/taskfleet/internal/utils"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type Server struct {
	Config           *config.Config
	HttpServer       *http.Server
	DBManager        *db.DBManager
	DeviceService    *services.DeviceService
	TaskService      *services.TaskService
	SchedulerService *services.SchedulerService
	ReporterService  *services.ReporterService
	consumer         *services.ResultConsumer
	consumerCancel   context.CancelFunc
	consumerDone     chan struct{}
	kafkaDispatcher  *services.KafkaDispatcher
	listener         net.Listener
}

// ShutdownReport summarises what Shutdown managed to drain. ConsumerDrained is
// also true when no result consumer was running.
type ShutdownReport struct {
	Transport       string
	HTTPDrained     bool
	ConsumerDrained bool
	Duration        time.Duration
}

// Addr is the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the HTTP server stops. A graceful Shutdown is not an error.
func (s *Server) Serve() error {
	if err := s.HttpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) ShutdownReport {
	log := logger.Get()
	report := ShutdownReport{
		Transport:       s.Config.Dispatch.Transport,
		ConsumerDrained: s.consumer == nil,
	}

	serverShutdownCtx, serverShutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer serverShutdownCancel()

	log.Info().Int("shutdown_timeout_seconds", 15).Msg("Initiating server shutdown sequence")
	shutdownStart := time.Now()

	if err := s.HttpServer.Shutdown(serverShutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		if err == context.DeadlineExceeded {
			log.Warn().Msg("Server shutdown deadline exceeded, forcing immediate shutdown")
		}
	} else {
		report.HTTPDrained = true
		log.Info().Dur("duration_ms", time.Since(shutdownStart)).Msg("Server HTTP connections gracefully closed")
	}

	s.SchedulerService.Stop()
	log.Info().Msg("Stopped scheduler")

	if s.consumer != nil {
		s.consumerCancel()
		select {
		case <-s.consumerDone:
			report.ConsumerDrained = true
			log.Info().Msg("Result consumer exited")
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Timed out waiting for result consumer to exit")
		}
		if err := s.consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing result consumer")
		}
	}

	if s.kafkaDispatcher != nil {
		if err := s.kafkaDispatcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing kafka dispatcher")
		}
	}

	s.ReporterService.Wait()

	dbCloseStart := time.Now()
	if err := s.DBManager.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	} else {
		log.Info().Dur("duration_ms", time.Since(dbCloseStart)).Msg("Database connection closed successfully")
	}

	report.Duration = time.Since(shutdownStart)
	return report
}

type ServerBuilder struct {
	config           *config.Config
	location         *time.Location
	dbManager        *db.DBManager
	repoFactory      *db.RepositoryFactory
	taskRepo         *repositories.TaskRepository
	deviceRepo       *repositories.DeviceRepository
	metrics          *services.Metrics
	registry         prometheus.Gatherer
	dispatcher       ports.Dispatcher
	poller           *services.PollDispatcher
	kafkaDispatcher  *services.KafkaDispatcher
	deviceService    *services.DeviceService
	taskService      *services.TaskService
	schedulerService *services.SchedulerService
	reporterService  *services.ReporterService
	consumer         *services.ResultConsumer
	consumerCancel   context.CancelFunc
	consumerDone     chan struct{}
	httpServer       *http.Server
	listener         net.Listener
	err              error
}

func NewServerBuilder(cfg *config.Config) *ServerBuilder {
	return &ServerBuilder{config: cfg}
}

func (sb *ServerBuilder) InitDatabase() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb.dbManager = db.GetDBManager()
	if err := sb.dbManager.Connect(ctx, sb.config.Database.Driver, sb.config.Database.GetConnectionURL()); err != nil {
		sb.err = fmt.Errorf("failed to connect to database: %w", err)
		return sb
	}

	log.Info().Str("driver", sb.config.Database.Driver).Msg("Successfully connected to database")
	return sb
}

func (sb *ServerBuilder) InitRepositories() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	db.InitRepositoryFactory(sb.dbManager.GetDB())
	sb.repoFactory = db.GetRepositoryFactory()

	sb.taskRepo = sb.repoFactory.TaskRepository()
	sb.deviceRepo = sb.repoFactory.DeviceRepository()

	return sb
}

// InitDispatcher picks the hand-off transport named by DISPATCH_TRANSPORT.
func (sb *ServerBuilder) InitDispatcher() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()
	dc := sb.config.Dispatch

	switch dc.Transport {
	case config.TransportWebhook:
		sb.dispatcher = services.NewWebhookDispatcher(dc.Timeout)
	case config.TransportKafka:
		sb.kafkaDispatcher = services.NewKafkaDispatcher(sb.config.Kafka.BrokerList(), sb.config.Kafka.DispatchTopic, dc.Timeout)
		sb.dispatcher = sb.kafkaDispatcher
	default:
		sb.poller = services.NewPollDispatcher(dc.Timeout)
		sb.dispatcher = sb.poller
	}

	log.Info().Str("transport", dc.Transport).Dur("timeout", dc.Timeout).Msg("Dispatcher configured")
	return sb
}

func (sb *ServerBuilder) InitServices() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	loc, err := sb.config.Scheduler.Location()
	if err != nil {
		sb.err = fmt.Errorf("failed to load scheduler timezone: %w", err)
		return sb
	}
	sb.location = loc

	sb.metrics = services.NewMetrics(prometheus.DefaultRegisterer)
	sb.registry = prometheus.DefaultGatherer

	sc := sb.config.Scheduler
	sb.schedulerService = services.NewSchedulerService(sb.taskRepo, sb.dispatcher, nil, sb.metrics, services.SchedulerOptions{
		TickInterval:        sc.TickInterval,
		ActiveWindow:        sc.ActiveWindow,
		Location:            loc,
		MaxDispatchAttempts: sc.MaxDispatchAttempts,
		DispatchConcurrency: sc.DispatchConcurrency,
	})

	sb.deviceService = services.NewDeviceService(sb.deviceRepo, sc.ActiveWindow)
	sb.deviceService.SetTrigger(sb.schedulerService)

	sb.taskService = services.NewTaskService(sb.taskRepo, sb.deviceRepo, nil, loc)
	sb.taskService.SetTrigger(sb.schedulerService)

	sb.reporterService = services.NewReporterService(sb.taskRepo, sb.metrics)
	if sb.config.AWS.ArchiveEnabled() {
		archiver, err := services.NewLogArchiveService(sb.config)
		if err != nil {
			sb.err = fmt.Errorf("failed to initialize log archive: %w", err)
			return sb
		}
		sb.reporterService.SetArchiver(archiver)
	}

	return sb
}

// InitResultConsumer starts reading agent reports from kafka when brokers are configured.
func (sb *ServerBuilder) InitResultConsumer() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	kc := sb.config.Kafka
	brokers := kc.BrokerList()
	if len(brokers) == 0 || kc.ResultTopic == "" {
		return sb
	}

	log := logger.Get()

	sb.consumer = services.NewResultConsumer(brokers, kc.ResultTopic, kc.ResultGroupID, sb.reporterService)

	var ctx context.Context
	ctx, sb.consumerCancel = context.WithCancel(context.Background())
	sb.consumerDone = make(chan struct{})
	go func() {
		defer close(sb.consumerDone)
		sb.consumer.Run(ctx)
	}()

	log.Info().Strs("brokers", brokers).Str("topic", kc.ResultTopic).Msg("Result consumer started")
	return sb
}

func (sb *ServerBuilder) InitScheduler() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	if err := sb.schedulerService.Start(); err != nil {
		sb.err = fmt.Errorf("failed to start scheduler: %w", err)
	}
	return sb
}

func (sb *ServerBuilder) InitRouter() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	var poller handlers.Poller
	if sb.poller != nil {
		poller = sb.poller
	}

	router := api.NewRouter(v1.Handlers{
		Devices:   handlers.NewDeviceHandler(sb.deviceService),
		Tasks:     handlers.NewTaskHandler(sb.taskService, sb.reporterService),
		Agent:     handlers.NewAgentHandler(sb.deviceService, poller, sb.reporterService, sb.taskService, sb.config.Dispatch.PollWait),
		Scheduler: handlers.NewSchedulerHandler(sb.schedulerService),
	}, sb.registry, sb.config.Server.Endpoint)

	ln, err := utils.BindListener(sb.config.Server.Host, sb.config.Server.Port)
	if err != nil {
		sb.err = fmt.Errorf("server address is not available: %w", err)
		return sb
	}

	sb.listener = ln
	sb.httpServer = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return sb
}

func (sb *ServerBuilder) Build() (*Server, error) {
	if sb.err != nil {
		if sb.schedulerService != nil {
			sb.schedulerService.Stop()
		}
		if sb.consumerCancel != nil {
			sb.consumerCancel()
		}
		if sb.listener != nil {
			_ = sb.listener.Close()
		}
		return nil, sb.err
	}

	return &Server{
		Config:           sb.config,
		HttpServer:       sb.httpServer,
		DBManager:        sb.dbManager,
		DeviceService:    sb.deviceService,
		TaskService:      sb.taskService,
		SchedulerService: sb.schedulerService,
		ReporterService:  sb.reporterService,
		consumer:         sb.consumer,
		consumerCancel:   sb.consumerCancel,
		consumerDone:     sb.consumerDone,
		kafkaDispatcher:  sb.kafkaDispatcher,
		listener:         sb.listener,
	}, nil
}

// Maintenance wires just what the one-shot commands need. Nothing is started.
type Maintenance struct {
	DBManager *db.DBManager
	Reporter  *services.ReporterService
	// Scheduler is nil when the transport needs a running server to hand off.
	Scheduler *services.SchedulerService
	closers   []func() error
}

func NewMaintenance(ctx context.Context, cfg *config.Config) (*Maintenance, error) {
	manager := db.NewDBManager()
	if err := manager.Connect(ctx, cfg.Database.Driver, cfg.Database.GetConnectionURL()); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	m := &Maintenance{DBManager: manager, closers: []func() error{manager.Close}}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		m.Close()
		return nil, err
	}

	taskRepo := db.NewRepositoryFactoryFromManager(manager).TaskRepository()
	m.Reporter = services.NewReporterService(taskRepo, nil)

	var dispatcher ports.Dispatcher
	switch cfg.Dispatch.Transport {
	case config.TransportWebhook:
		dispatcher = services.NewWebhookDispatcher(cfg.Dispatch.Timeout)
	case config.TransportKafka:
		kd := services.NewKafkaDispatcher(cfg.Kafka.BrokerList(), cfg.Kafka.DispatchTopic, cfg.Dispatch.Timeout)
		m.closers = append([]func() error{kd.Close}, m.closers...)
		dispatcher = kd
	default:
		// Nobody polls a one-shot process.
		return m, nil
	}

	m.Scheduler = services.NewSchedulerService(taskRepo, dispatcher, nil, nil, services.SchedulerOptions{
		ActiveWindow:        cfg.Scheduler.ActiveWindow,
		Location:            loc,
		MaxDispatchAttempts: cfg.Scheduler.MaxDispatchAttempts,
		DispatchConcurrency: cfg.Scheduler.DispatchConcurrency,
	})
	return m, nil
}

func (m *Maintenance) Close() {
	log := logger.Get()
	for _, closeFn := range m.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Error releasing maintenance resources")
		}
	}
}
