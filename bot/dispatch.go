package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// ErrScopeBusy indicates a scope's lane is full and the newest event was
// rejected rather than buffered unbounded.
var ErrScopeBusy = errors.New("scope busy")

// Dispatcher is the concurrency core. It assigns normalized events to the
// correct scope lane and guarantees in-order, non-overlapping execution of
// commands within a scope, while scopes run fully in parallel up to the
// worker-pool bound.
type Dispatcher struct {
	registry *ScopeRegistry
	router   *CommandRouter
	bot      *Bot
	logger   *slog.Logger

	// slots bounds the number of concurrently draining lanes
	slots chan struct{}

	// wg tracks live drain goroutines for shutdown
	wg sync.WaitGroup

	metricSubmitted atomic.Int64
	metricRejected  atomic.Int64
	metricExecuted  atomic.Int64
	metricFailed    atomic.Int64
}

func NewDispatcher(
	b *Bot,
	registry *ScopeRegistry,
	router *CommandRouter,
	workerPoolSize int,
	log *slog.Logger,
) *Dispatcher {
	if workerPoolSize < 1 {
		workerPoolSize = DefaultWorkerPoolSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		router:   router,
		bot:      b,
		logger:   log.With(loggerNameKey, "dispatcher"),
		slots:    make(chan struct{}, workerPoolSize),
	}
}

// Submit enqueues a normalized event onto its scope's lane and schedules a
// drain if one isn't already running. Resolution and enqueue happen
// atomically in the registry, so the event can't land on a scope the
// eviction sweep has already removed. It never blocks the event source:
// when the lane is full, ErrScopeBusy is returned and the event is
// rejected.
func (d *Dispatcher) Submit(ctx context.Context, ev *NormalizedEvent) error {
	scope, accepted := d.registry.Enqueue(ev)
	if !accepted {
		d.metricRejected.Add(1)
		d.logger.WarnContext(
			ctx,
			"lane full, rejecting event",
			"event", ev,
			"pending", scope.Pending(),
		)
		return fmt.Errorf("%w: %s", ErrScopeBusy, ev.ScopeID)
	}
	d.metricSubmitted.Add(1)

	d.scheduleDrain(ctx, scope)
	return nil
}

// scheduleDrain starts a drain goroutine for the scope unless one already
// owns the lane.
func (d *Dispatcher) scheduleDrain(ctx context.Context, scope *Scope) {
	if !scope.draining.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.drainLane(ctx, scope)
}

// drainLane processes the scope's lane one event at a time until it is
// empty, holding a worker-pool slot for the duration. A slow or stuck
// handler here never delays another scope beyond pool contention.
func (d *Dispatcher) drainLane(ctx context.Context, scope *Scope) {
	defer d.wg.Done()

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		scope.draining.Store(false)
		return
	}
	defer func() { <-d.slots }()

	for {
		select {
		case <-ctx.Done():
			scope.draining.Store(false)
			return
		case ev := <-scope.lane:
			d.processEvent(ctx, scope, ev)
		default:
			scope.draining.Store(false)
			// an event may have been enqueued between the empty check
			// and releasing the lane; reclaim it if so
			if len(scope.lane) > 0 && scope.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}
	}
}

// processEvent routes and executes a single event. Handler errors and
// panics are contained: they are logged with scope and command context and
// never stall subsequent events in the lane.
func (d *Dispatcher) processEvent(ctx context.Context, scope *Scope, ev *NormalizedEvent) {
	log := d.logger.With(slog.Group("event", eventLogAttrs(*ev)...))
	ctx = WithLogger(ctx, log)

	defer scope.touch()

	cmd, ok := d.router.Route(ev)
	if !ok {
		log.InfoContext(ctx, "unrecognized command")
		if ev.Kind == EventKindInteraction {
			_ = ev.Respond(ctx, "Sorry, I don't recognize that command.", true)
		}
		return
	}

	var err error
	func() {
		defer func() {
			if rc := recover(); rc != nil {
				err = fmt.Errorf("handler panic: %v", rc)
			}
		}()
		err = cmd.Execute(ctx, d.bot)
	}()

	if err != nil {
		d.metricFailed.Add(1)
		log.ErrorContext(
			ctx,
			"command failed",
			"command", cmd,
			tint.Err(err),
		)
		if cmd.notifyOnError && d.bot != nil && d.bot.notifier != nil {
			d.notifyCommandFailure(ctx, cmd, err)
		}
		return
	}
	d.metricExecuted.Add(1)
}

// notifyCommandFailure enqueues an internal-error notification job. Only
// bindings registered with WithErrorNotification reach this path.
func (d *Dispatcher) notifyCommandFailure(ctx context.Context, cmd *Command, cmdErr error) {
	channelID := ""
	if d.bot.config != nil && d.bot.config.Discord != nil {
		channelID = d.bot.config.Discord.NotificationChannelID
	}
	if channelID == "" {
		return
	}
	job := NewNotificationJob(
		NotificationKindChannel,
		channelID,
		fmt.Sprintf(
			"Command `%s` failed in scope `%s`: %s",
			cmd.Name,
			cmd.Event.ScopeID,
			truncate(cmdErr.Error(), 500),
		),
	)
	if err := d.bot.notifier.Enqueue(ctx, job); err != nil {
		d.logger.ErrorContext(ctx, "error enqueueing failure notification", tint.Err(err))
	}
}

// Wait blocks until all drain goroutines have finished, up to the given
// timeout. In-flight commands always run to completion.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted: d.metricSubmitted.Load(),
		Rejected:  d.metricRejected.Load(),
		Executed:  d.metricExecuted.Load(),
		Failed:    d.metricFailed.Load(),
	}
}

type DispatcherStats struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Executed  int64 `json:"executed"`
	Failed    int64 `json:"failed"`
}
