package arborq

import (
	"context"
	"sync"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/rs/zerolog"
)

// janitor periodically deletes task records that reached base.StateFinished
// more than their RemoveDelay ago, keeping the store from growing without
// bound once a task's result has had time to be collected.
type janitor struct {
	store     base.Store
	namespace string
	logger    zerolog.Logger

	interval time.Duration
	batch    int64

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type janitorParams struct {
	Store     base.Store
	Namespace string
	Logger    zerolog.Logger
	Interval  time.Duration
	Batch     int64
}

func newJanitor(p janitorParams) *janitor {
	interval := p.Interval
	if interval <= 0 {
		interval = 8 * time.Second
	}
	batch := p.Batch
	if batch <= 0 {
		batch = 100
	}
	return &janitor{
		store:     p.Store,
		namespace: p.Namespace,
		logger:    p.Logger,
		interval:  interval,
		batch:     batch,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		defer timer.Stop()
		for {
			select {
			case <-j.quit:
				close(j.done)
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) stop() {
	j.once.Do(func() {
		close(j.quit)
	})
}

func (j *janitor) exec() {
	ctx := context.Background()
	now, err := j.store.Now(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor: read store time")
		return
	}
	n, err := j.store.DeleteFinishedBefore(ctx, j.namespace, now, j.batch)
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor: delete finished tasks")
		return
	}
	if n > 0 {
		j.logger.Debug().Int64("count", n).Msg("janitor: swept finished tasks")
	}
}
