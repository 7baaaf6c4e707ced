package arborq

import (
	"context"
	"sync"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/arborq/arborq/internal/errors"
	"github.com/arborq/arborq/internal/taskctx"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// worker repeatedly claims commands from a set of pools and dispatches
// them to the registered template's Behavior. It never retries a losing
// transaction — the spec's open question on this point is resolved by
// simply returning on Eval() == false and letting the winning worker's
// transition stand.
type worker struct {
	store     base.Store
	namespace string
	reg       *registry
	pools     []string
	logger    zerolog.Logger

	concurrency int
	sema        chan struct{}

	pollInterval  time.Duration
	errLogLimiter *rate.Limiter
	events        *eventPublisher

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type workerParams struct {
	Store        base.Store
	Namespace    string
	Registry     *registry
	Pools        []string
	Logger       zerolog.Logger
	Concurrency  int
	PollInterval time.Duration
	Events       *eventPublisher
}

func newWorker(p workerParams) *worker {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	poll := p.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &worker{
		store:         p.Store,
		namespace:     p.Namespace,
		reg:           p.Registry,
		pools:         p.Pools,
		logger:        p.Logger,
		concurrency:   concurrency,
		sema:          make(chan struct{}, concurrency),
		pollInterval:  poll,
		errLogLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		events:        p.Events,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (w *worker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-w.quit:
				close(w.done)
				return
			default:
				w.exec()
			}
		}
	}()
}

func (w *worker) stop() {
	w.once.Do(func() {
		close(w.quit)
	})
}

// exec claims one command off the first pool that has one and dispatches
// it in a worker goroutine bounded by the concurrency semaphore.
func (w *worker) exec() {
	select {
	case <-w.quit:
		return
	case w.sema <- struct{}{}:
	}

	ctx := context.Background()
	cmd, pool, err := w.claimAny(ctx)
	if err != nil {
		if w.errLogLimiter.Allow() {
			w.logger.Error().Err(err).Msg("claim error")
		}
		<-w.sema
		return
	}
	if cmd == nil {
		time.Sleep(w.pollInterval)
		<-w.sema
		return
	}

	go func() {
		defer func() { <-w.sema }()
		w.process(ctx, pool, cmd)
	}()
}

func (w *worker) claimAny(ctx context.Context) (*base.Command, string, error) {
	now, err := w.store.Now(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, pool := range w.pools {
		cmd, err := w.store.ClaimCommand(ctx, w.namespace, pool, now)
		if err != nil {
			return nil, "", err
		}
		if cmd != nil {
			return cmd, pool, nil
		}
	}
	return nil, "", nil
}

func (w *worker) process(ctx context.Context, pool string, cmd *base.Command) {
	rec, err := w.store.GetTask(ctx, w.namespace, cmd.To)
	if err != nil {
		if w.errLogLimiter.Allow() {
			w.logger.Error().Err(err).Str("task_id", cmd.To).Msg("get task error")
		}
		return
	}
	if rec == nil {
		// The target has been deleted since the command was enqueued;
		// nothing to fence against, nothing to do. This is not an error —
		// the janitor or a cancellation raced ahead of this command.
		return
	}

	tmpl, ok := w.reg.lookup(rec.Name)
	if !ok {
		w.logger.Warn().Str("task_id", cmd.To).Str("name", rec.Name).Msg("unknown template")
		return
	}

	ctx = taskctx.New(ctx, cmd.To, cmd.ToUID, pool, rec.Name)

	behavior := behaviorForTemplate(tmpl)
	txn, terminal, err := behavior.Handle(ctx, w.store, w.namespace, cmd.To, rec, cmd)
	if err != nil {
		if w.errLogLimiter.Allow() {
			w.logger.Error().Err(err).Str("task_id", cmd.To).Str("cmd_type", string(cmd.Type)).
				Str("code", errors.CodeOf(err).String()).Msg("handler error")
		}
		return
	}
	if txn == nil {
		return
	}

	ok, err = w.store.Eval(ctx, txn)
	if err != nil {
		if w.errLogLimiter.Allow() {
			w.logger.Error().Err(err).Str("task_id", cmd.To).Msg("eval error")
		}
		return
	}
	if !ok {
		// Race loss: another worker's transaction already won. Per the
		// spec this is not surfaced as an error; this worker simply
		// returns without retrying.
		w.logger.Debug().Str("task_id", cmd.To).Msg("transaction lost the race")
		return
	}

	if terminal && w.events != nil {
		final, err := w.store.GetTask(ctx, w.namespace, cmd.To)
		if err != nil || final == nil {
			return
		}
		w.events.publishTaskEnd(ctx, &taskEndEvent{
			ID:     cmd.To,
			Name:   final.Name,
			Result: final.Result,
			Error:  final.Error,
		})
	}
}

func behaviorForTemplate(tmpl *Template) Behavior {
	switch tmpl.Kind {
	case KindChain:
		return chainHandler
	case KindGroup:
		return groupHandler
	case KindLeaf:
		return newLeafBehavior(tmpl.LeafFunc)
	default:
		return nil
	}
}
