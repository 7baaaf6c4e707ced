package arborq

import (
	"fmt"
	"sync"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/arborq/arborq/internal/rdb"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Server runs the worker dispatch loop plus the janitor and healthchecker
// against a Queue's store, and publishes task:end events as tasks finish.
//
// A Server owns no task-composition logic of its own — Queue handles
// submission and the registry, Behavior implementations handle state
// transitions — Server only owns the process-lifecycle concerns: running
// the workers, sweeping finished tasks, reporting liveness, and shutting
// down cleanly.
type Server struct {
	logger zerolog.Logger

	store     base.Store
	namespace string

	state *serverState

	wg            sync.WaitGroup
	worker        *worker
	janitor       *janitor
	heartbeater   *heartbeater
	healthchecker *healthchecker
	events        *eventPublisher
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	srvStateNew serverStateValue = iota
	srvStateActive
	srvStateClosed
)

// Config specifies a Server's background processing behavior.
type Config struct {
	// Concurrency is the maximum number of commands processed at once.
	// If zero or negative, a default of 10 is used.
	Concurrency int

	// Pools lists the pool names this server's worker polls, in the
	// order they are checked each cycle. If empty, "default" is used.
	Pools []string

	// PollInterval is how long the worker sleeps after finding no
	// ready command in any pool. Defaults to 1 second.
	PollInterval time.Duration

	// JanitorInterval is how often the janitor sweeps finished tasks
	// past their RemoveDelay. Defaults to 8 seconds.
	JanitorInterval time.Duration

	// HealthCheckFunc, if set, is called periodically with the result
	// of pinging the store.
	HealthCheckFunc func(error)

	// HealthCheckInterval defaults to 15 seconds.
	HealthCheckInterval time.Duration

	// Logger is used by every background component. If the zero value,
	// a disabled logger is used.
	Logger zerolog.Logger
}

// NewServer returns a new Server that dispatches commands for q's
// registry against q's store. Server shares the Queue's store connection
// rather than opening a second one.
func NewServer(q *Queue, cfg Config) *Server {
	store := q.store
	namespace := q.namespace
	pools := cfg.Pools
	if len(pools) == 0 {
		pools = []string{"default"}
	}
	events := newEventPublisher(store, namespace, cfg.Logger)
	w := newWorker(workerParams{
		Store:        store,
		Namespace:    namespace,
		Registry:     q.reg,
		Pools:        pools,
		Logger:       cfg.Logger,
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
		Events:       events,
	})
	return &Server{
		logger:    cfg.Logger,
		store:     store,
		namespace: namespace,
		state:     &serverState{value: srvStateNew},
		worker:    w,
		janitor: newJanitor(janitorParams{
			Store:     store,
			Namespace: namespace,
			Logger:    cfg.Logger,
			Interval:  cfg.JanitorInterval,
		}),
		heartbeater: newHeartbeater(heartbeaterParams{
			Logger:      cfg.Logger,
			Concurrency: cfg.Concurrency,
		}),
		healthchecker: newHealthChecker(healthcheckerParams{
			Store:           store,
			Interval:        cfg.HealthCheckInterval,
			HealthCheckFunc: cfg.HealthCheckFunc,
		}),
		events: events,
	}
}

// NewStore builds a base.Store backed by client, scoped to namespace. Use
// this to construct the Queue passed to NewServer, and to build an
// independent Store for a StatusServer. Callers construct client
// themselves (redis.NewClient, redis.NewFailoverClient, or
// redis.NewClusterClient) so this package carries no redis-connection
// parsing of its own beyond what internal/rdb already needs.
func NewStore(client redis.UniversalClient, namespace string) base.Store {
	return rdb.NewRDB(client, namespace)
}

// Start starts every background component. It returns an error if the
// server has already been started or shut down.
func (srv *Server) Start() error {
	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info().Msg("server starting")
	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.events.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	srv.worker.start(&srv.wg)
	return nil
}

func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("arborq: server is already running")
	case srvStateClosed:
		return fmt.Errorf("arborq: server has been shut down")
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown stops every background component and waits for them to
// finish, then closes the store.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info().Msg("server shutting down")
	srv.worker.stop()
	srv.janitor.stop()
	srv.events.stop()
	srv.healthchecker.stop()
	srv.heartbeater.stop()
	srv.wg.Wait()

	srv.store.Close()
	srv.logger.Info().Msg("server stopped")
}

// Run starts the server and blocks until SIGTERM or SIGINT, then shuts
// down gracefully.
func (srv *Server) Run() error {
	if err := srv.Start(); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}
