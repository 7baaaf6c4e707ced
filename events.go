package arborq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/rs/zerolog"
)

// taskEndEvent is the payload published on task:end and task:end:{id} once
// a task reaches base.StateFinished, carrying just enough for a listener
// to resolve the task without a follow-up GetTask.
type taskEndEvent struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *base.TaskError `json:"error,omitempty"`
}

// publishRequest is a single failed publish awaiting retry, buffered the
// way the teacher's syncer buffers failed broker writes.
type publishRequest struct {
	channel  string
	payload  []byte
	deadline time.Time
}

// eventPublisher publishes task:end notifications and retries publishes
// that failed (a transient broker hiccup should not silently drop an
// event a caller is waiting on). It never blocks the worker dispatch
// loop: a failed Publish is hand off to the retry buffer and the caller
// moves on.
type eventPublisher struct {
	store     base.Store
	namespace string
	logger    zerolog.Logger

	requestsCh chan *publishRequest
	interval   time.Duration
	retryTTL   time.Duration

	quit chan struct{}
	once sync.Once
}

func newEventPublisher(store base.Store, namespace string, logger zerolog.Logger) *eventPublisher {
	return &eventPublisher{
		store:      store,
		namespace:  namespace,
		logger:     logger,
		requestsCh: make(chan *publishRequest, 64),
		interval:   5 * time.Second,
		retryTTL:   time.Minute,
		quit:       make(chan struct{}),
	}
}

// publishTaskEnd emits ev on both the namespace-wide "task:end" channel
// and the per-task "task:end:{id}" channel. A listener waiting on either
// channel sees the same payload; the per-id channel exists so a caller
// that only cares about one task doesn't have to filter the firehose.
func (p *eventPublisher) publishTaskEnd(ctx context.Context, ev *taskEndEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", ev.ID).Msg("marshal task:end event")
		return
	}
	now, _ := p.store.Now(ctx)
	deadline := time.Unix(0, (now+int64(p.retryTTL/time.Millisecond))*int64(time.Millisecond))
	p.publish(ctx, p.namespace+":task:end", payload, deadline)
	p.publish(ctx, p.namespace+":task:end:"+ev.ID, payload, deadline)
}

func (p *eventPublisher) publish(ctx context.Context, channel string, payload []byte, deadline time.Time) {
	if err := p.store.Publish(ctx, channel, payload); err != nil {
		req := &publishRequest{channel: channel, payload: payload, deadline: deadline}
		select {
		case p.requestsCh <- req:
		default:
			p.logger.Warn().Str("channel", channel).Msg("task:end retry buffer full, dropping event")
		}
	}
}

func (p *eventPublisher) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var pending []*publishRequest
		for {
			select {
			case <-p.quit:
				p.drain(pending)
				return
			case req := <-p.requestsCh:
				pending = append(pending, req)
			case <-time.After(p.interval):
				pending = p.retry(pending)
			}
		}
	}()
}

func (p *eventPublisher) retry(pending []*publishRequest) []*publishRequest {
	var remaining []*publishRequest
	ctx := context.Background()
	for _, req := range pending {
		if time.Now().After(req.deadline) {
			continue // drop stale event; the listener has long since timed out
		}
		if err := p.store.Publish(ctx, req.channel, req.payload); err != nil {
			remaining = append(remaining, req)
		}
	}
	return remaining
}

func (p *eventPublisher) drain(pending []*publishRequest) {
	ctx := context.Background()
	for _, req := range pending {
		if err := p.store.Publish(ctx, req.channel, req.payload); err != nil {
			p.logger.Error().Err(err).Str("channel", req.channel).Msg("task:end event dropped at shutdown")
		}
	}
}

func (p *eventPublisher) stop() {
	p.once.Do(func() {
		close(p.quit)
	})
}

// SubscribeTaskEnd subscribes to task:end:{id} and returns a channel that
// receives the decoded event once, plus a stop func to cancel the wait
// early. The channel is closed after delivering at most one event.
func SubscribeTaskEnd(ctx context.Context, store base.Store, namespace, id string) (<-chan *taskEndEvent, func(), error) {
	raw, stop, err := store.Subscribe(ctx, namespace+":task:end:"+id)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *taskEndEvent, 1)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-raw:
			if !ok {
				return
			}
			var ev taskEndEvent
			if json.Unmarshal(payload, &ev) == nil {
				out <- &ev
			}
		}
	}()
	return out, stop, nil
}
