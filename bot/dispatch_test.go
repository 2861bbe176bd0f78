package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher(
	t testing.TB,
	workerPoolSize int,
) (*Dispatcher, *CommandRouter, *ScopeRegistry) {
	t.Helper()
	registry := NewScopeRegistry(DefaultLaneSize, nil)
	router := NewCommandRouter(nil)
	b := &Bot{config: DefaultConfig()}
	d := NewDispatcher(b, registry, router, workerPoolSize, nil)
	return d, router, registry
}

func tickEvent(scopeID, command, deliveryID string) *NormalizedEvent {
	return &NormalizedEvent{
		Kind:       EventKindTick,
		DeliveryID: deliveryID,
		ScopeID:    scopeID,
		Command:    command,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestDispatchOrderingWithinScope(t *testing.T) {
	d, router, _ := testDispatcher(t, 4)

	var mu sync.Mutex
	var order []string
	router.Register(
		EventKindTick, "record", func(_ context.Context, _ *Bot, cmd *Command) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, cmd.Event.DeliveryID)
			return nil
		},
	)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := d.Submit(ctx, tickEvent("guild-1", "record", fmt.Sprintf("ev-%d", i)))
		require.NoError(t, err)
	}
	require.True(t, d.Wait(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, id := range order {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), id)
	}
}

func TestDispatchScopesRunInParallel(t *testing.T) {
	d, router, _ := testDispatcher(t, 4)

	started := make(chan string, 2)
	release := make(chan struct{})
	router.Register(
		EventKindTick, "block", func(_ context.Context, _ *Bot, cmd *Command) error {
			started <- cmd.Event.ScopeID
			<-release
			return nil
		},
	)

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, tickEvent("guild-1", "block", "ev-a")))
	require.NoError(t, d.Submit(ctx, tickEvent("guild-2", "block", "ev-b")))

	// both scopes must be executing concurrently while neither has
	// finished
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for parallel execution")
		}
	}
	assert.True(t, seen["guild-1"])
	assert.True(t, seen["guild-2"])

	close(release)
	require.True(t, d.Wait(5*time.Second))
}

func TestDispatchNoOverlapWithinScope(t *testing.T) {
	d, router, _ := testDispatcher(t, 4)

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	router.Register(
		EventKindTick, "overlap", func(context.Context, *Bot, *Command) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		},
	)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(
			t,
			d.Submit(ctx, tickEvent("guild-1", "overlap", fmt.Sprintf("ev-%d", i))),
		)
	}
	require.True(t, d.Wait(10*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestDispatchRejectsWhenLaneFull(t *testing.T) {
	registry := NewScopeRegistry(2, nil)
	router := NewCommandRouter(nil)
	d := NewDispatcher(&Bot{config: DefaultConfig()}, registry, router, 1, nil)

	// fill the lane directly so no drain goroutine is competing
	scope, _ := registry.GetOrCreate("guild-1")
	scope.lane <- tickEvent("guild-1", "x", "ev-0")
	scope.lane <- tickEvent("guild-1", "x", "ev-1")
	scope.draining.Store(true)

	err := d.Submit(context.Background(), tickEvent("guild-1", "x", "ev-2"))
	require.ErrorIs(t, err, ErrScopeBusy)
	assert.Equal(t, int64(1), d.Stats().Rejected)
}

func TestDispatchContainsPanics(t *testing.T) {
	d, router, _ := testDispatcher(t, 2)

	var mu sync.Mutex
	var executed []string
	router.Register(
		EventKindTick, "panic", func(context.Context, *Bot, *Command) error {
			panic("handler exploded")
		},
	)
	router.Register(
		EventKindTick, "ok", func(_ context.Context, _ *Bot, cmd *Command) error {
			mu.Lock()
			defer mu.Unlock()
			executed = append(executed, cmd.Event.DeliveryID)
			return nil
		},
	)

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, tickEvent("guild-1", "panic", "ev-0")))
	require.NoError(t, d.Submit(ctx, tickEvent("guild-1", "ok", "ev-1")))
	require.True(t, d.Wait(5*time.Second))

	// the panicking event is recorded as failed and the next event in
	// the lane still runs
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ev-1"}, executed)
	assert.Equal(t, int64(1), d.Stats().Failed)
	assert.Equal(t, int64(1), d.Stats().Executed)
}

func TestDispatchAfterEvictionUsesRegisteredScope(t *testing.T) {
	d, router, registry := testDispatcher(t, 4)

	var mu sync.Mutex
	var executed []string
	router.Register(
		EventKindTick, "record", func(_ context.Context, _ *Bot, cmd *Command) error {
			mu.Lock()
			defer mu.Unlock()
			executed = append(executed, cmd.Event.DeliveryID)
			return nil
		},
	)

	stale, _ := registry.GetOrCreate("guild-1")
	require.Equal(t, []string{"guild-1"}, registry.EvictIdle(0))

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, tickEvent("guild-1", "record", "ev-a")))
	require.NoError(t, d.Submit(ctx, tickEvent("guild-1", "record", "ev-b")))
	require.True(t, d.Wait(5*time.Second))

	// submissions after eviction land on a freshly registered scope,
	// never the removed instance
	assert.Zero(t, stale.Pending())
	require.NotNil(t, registry.Get("guild-1"))
	assert.NotSame(t, stale, registry.Get("guild-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ev-a", "ev-b"}, executed)
}

func TestDispatchNoOverlapUnderEvictionPressure(t *testing.T) {
	d, router, registry := testDispatcher(t, 8)

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	executed := 0
	router.Register(
		EventKindTick, "overlap", func(context.Context, *Bot, *Command) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			executed++
			mu.Unlock()
			return nil
		},
	)

	// sweep aggressively while events are being submitted, so evictions
	// interleave with admissions as tightly as possible
	stopEvict := make(chan struct{})
	evictDone := make(chan struct{})
	go func() {
		defer close(evictDone)
		for {
			select {
			case <-stopEvict:
				return
			default:
				registry.EvictIdle(0)
			}
		}
	}()

	ctx := context.Background()
	submitted := 0
	for i := 0; i < 200; i++ {
		err := d.Submit(ctx, tickEvent("guild-1", "overlap", fmt.Sprintf("ev-%d", i)))
		if err == nil {
			submitted++
		} else {
			require.ErrorIs(t, err, ErrScopeBusy)
		}
	}
	close(stopEvict)
	<-evictDone
	require.True(t, d.Wait(30*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, submitted, executed)
	assert.Equal(t, 1, maxRunning, "commands for one scope must never overlap")
}

func TestDispatchUnrecognizedInteractionGetsReply(t *testing.T) {
	d, _, _ := testDispatcher(t, 2)

	responder := &recordingResponder{}
	payload, err := json.Marshal(
		eventEnvelope{
			Kind:    EventKindInteraction,
			ScopeID: "guild-1",
			Command: "nonsense",
		},
	)
	require.NoError(t, err)

	n := NewEventNormalizer(16, nil)
	n.AttachResponder("ev-0", responder)
	ev, err := n.Normalize(
		RawEvent{DeliveryID: "ev-0", Payload: payload},
	)
	require.NoError(t, err)

	require.NoError(t, d.Submit(context.Background(), ev))
	require.True(t, d.Wait(5*time.Second))

	assert.Equal(t, 1, responder.calls)
	assert.Contains(t, responder.content, "don't recognize")
}
