package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/config"
	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/events"
	"github.com/vclsched/vclsched/internal/logging"
	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/orchestrator"
	"github.com/vclsched/vclsched/internal/pending"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/secrets"
	"github.com/vclsched/vclsched/internal/semaphore"
)

const (
	shutdownTimeout = 5 * time.Second
	dataDirPerms    = 0o750
	runDirPerms     = 0o750
	socketPerms     = 0o660
	sweepInterval   = time.Minute
)

// Service owns the reservation store, the pending-operation store and the
// scheduling components built on them.
type Service struct {
	cfg       config.Config
	store     *db.Store
	pending   *pending.Store
	broker    *events.Broker
	locks     *semaphore.Manager
	scheduler *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	unixListener    net.Listener
	unixServer      *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server

	closeOnce sync.Once
	closeErr  error
}

// Run opens the service and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	service, err := Open(cfg)
	if err != nil {
		return err
	}
	return service.Serve(ctx)
}

// Open validates cfg and wires every component. The control socket and the
// metrics listener are bound here so a bad address fails before anything runs.
func Open(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, path := range []string{cfg.DBPath, cfg.PendingDBPath} {
		if err := ensureDir(filepath.Dir(path), dataDirPerms); err != nil {
			return nil, err
		}
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	keyring, err := secrets.LoadOrCreateKeyring(cfg.PendingKeyPath, time.Now)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	m := metrics.New()
	pendingStore, err := pending.Open(cfg.PendingDBPath, keyring)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pendingStore.WithLogger(logging.WithComponent("pending")).WithMetrics(m)

	locks := semaphore.NewManager(store, logging.WithComponent("semaphore")).
		WithMetrics(m).
		WithMaxAttempts(cfg.SemaphoreMaxAttempts).
		WithTTL(cfg.SemaphoreTTL())
	relocator := scheduler.NewStoreRelocator(store, logging.WithComponent("relocator")).WithLocks(locks)
	sched := scheduler.New(store, logging.WithComponent("scheduler")).
		WithRelocator(relocator).
		WithMetrics(m)
	broker := events.NewBroker()
	broker.Start()
	orch := orchestrator.New(store, sched, locks, logging.WithComponent("orchestrator")).
		WithNodeSelector(orchestrator.StaticNodeSelector(cfg.ManagementNodeID)).
		WithBroker(broker).
		WithMetrics(m).
		WithVMGrace(cfg.VMGrace())

	s := &Service{
		cfg:       cfg,
		store:     store,
		pending:   pendingStore,
		broker:    broker,
		locks:     locks,
		scheduler: sched,
		orch:      orch,
		metrics:   m,
		logger:    logging.WithComponent("daemon"),
	}
	unixListener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.unixListener = unixListener
	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(store, locks, s, logging.WithComponent("api")).
		WithRateLimiter(NewActorRateLimiter(cfg.BatchRateQPS, cfg.BatchRateBurst)).
		Register(controlMux)
	s.unixServer = &http.Server{
		Handler:           controlMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	if cfg.MetricsListen != "" {
		listener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", healthHandler)
		mux.Handle("/metrics", m.Handler())
		s.metricsListener = listener
		s.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return s, nil
}

// Store returns the reservation store.
func (s *Service) Store() *db.Store { return s.store }

// Orchestrator returns the batch orchestrator.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Broker returns the invalidation broker.
func (s *Service) Broker() *events.Broker { return s.broker }

// MetricsAddr is the bound metrics address, or "" when metrics are off.
func (s *Service) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// Serve runs the background loops and the metrics listener until ctx is done
// or the listener fails. The service is closed on return.
func (s *Service) Serve(ctx context.Context) error {
	s.locks.StartGC(ctx)
	s.pending.StartSweep(ctx, sweepInterval)
	s.watchEvents(ctx)

	errCh := make(chan error, 2)
	s.logger.Info().Str("socket", s.cfg.SocketPath).Msg("serving control api")
	go func() { errCh <- s.unixServer.Serve(s.unixListener) }()
	if s.metricsServer != nil {
		s.logger.Info().Str("listen", s.MetricsAddr()).Msg("serving metrics")
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	if err := s.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// watchEvents logs invalidations so operators can follow mutations.
func (s *Service) watchEvents(ctx context.Context) {
	sub := s.broker.Subscribe()
	go func() {
		defer s.broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				s.logger.Debug().Str("type", string(evt.Type)).Str("scope", evt.Scope).Msg(evt.Message)
			}
		}
	}()
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var result *multierror.Error
	for _, server := range []*http.Server{s.unixServer, s.metricsServer} {
		if server == nil {
			continue
		}
		if err := server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.locks.ReleaseAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close stops the broker, closes the listeners and both stores. Later calls
// return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		s.broker.Stop()
		for _, listener := range []net.Listener{s.unixListener, s.metricsListener} {
			if listener != nil {
				_ = listener.Close()
			}
		}
		if s.pending != nil {
			if err := s.pending.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("data directory is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
