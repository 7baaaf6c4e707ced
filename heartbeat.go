package arborq

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// heartbeater logs liveness for the worker process periodically, the
// simplified stand-in for the teacher's server-state-to-redis heartbeat:
// this engine has no lease-based task ownership to report, so there is no
// per-worker state worth persisting — only "this process is still up" is
// worth saying, and a log line says it.
type heartbeater struct {
	logger zerolog.Logger

	host        string
	pid         int
	processID   string
	concurrency int

	interval time.Duration
	started  time.Time

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type heartbeaterParams struct {
	Logger      zerolog.Logger
	Concurrency int
	Interval    time.Duration
}

func newHeartbeater(p heartbeaterParams) *heartbeater {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &heartbeater{
		logger:      p.Logger,
		host:        host,
		pid:         os.Getpid(),
		processID:   uuid.NewString(),
		concurrency: p.Concurrency,
		interval:    interval,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.started = time.Now()
		h.beat()
		timer := time.NewTimer(h.interval)
		defer timer.Stop()
		for {
			select {
			case <-h.quit:
				close(h.done)
				return
			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)
			}
		}
	}()
}

func (h *heartbeater) stop() {
	h.once.Do(func() {
		close(h.quit)
	})
}

func (h *heartbeater) beat() {
	h.logger.Info().
		Str("host", h.host).
		Int("pid", h.pid).
		Str("process_id", h.processID).
		Int("concurrency", h.concurrency).
		Dur("uptime", time.Since(h.started)).
		Msg("worker heartbeat")
}
