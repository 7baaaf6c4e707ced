package arborq

import (
	"context"
	"sync"
	"time"

	"github.com/arborq/arborq/internal/base"
)

// healthchecker pings the store periodically and reports the result to a
// user-supplied callback, the way a caller would wire a liveness probe to
// its own metrics or orchestrator healthcheck endpoint.
type healthchecker struct {
	store base.Store

	interval        time.Duration
	healthcheckFunc func(error)

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type healthcheckerParams struct {
	Store           base.Store
	Interval        time.Duration
	HealthCheckFunc func(error)
}

func newHealthChecker(p healthcheckerParams) *healthchecker {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &healthchecker{
		store:           p.Store,
		interval:        interval,
		healthcheckFunc: p.HealthCheckFunc,
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	if hc.healthcheckFunc == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		defer timer.Stop()
		for {
			select {
			case <-hc.quit:
				close(hc.done)
				return
			case <-timer.C:
				hc.healthcheckFunc(hc.store.Ping(context.Background()))
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) stop() {
	if hc.healthcheckFunc == nil {
		return
	}
	hc.once.Do(func() {
		close(hc.quit)
	})
}
