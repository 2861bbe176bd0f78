package bot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runNormalizeLoop starts the bot's normalize loop for a test, returning a
// stop function that waits for it to exit.
func runNormalizeLoop(t testing.TB, b *Bot) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.normalizeLoop(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestBotDuplicateDeliveryExecutesOnce(t *testing.T) {
	b := newTestBot(t)
	stop := runNormalizeLoop(t, b)
	defer stop()

	payload, err := json.Marshal(
		eventEnvelope{
			Kind:       EventKindInteraction,
			ScopeID:    "guild-1",
			ActorID:    "user-1",
			Command:    "config",
			Subcommand: "set",
			Options:    map[string]string{"key": "greeting", "value": "hello"},
		},
	)
	require.NoError(t, err)

	raw := RawEvent{
		DeliveryID: "delivery-1",
		Source:     "test",
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}

	// the gateway redelivers the same event three times
	for i := 0; i < 3; i++ {
		b.intake <- raw
	}

	require.Eventually(
		t, func() bool {
			return b.dispatcher.Stats().Executed == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, int64(2), b.normalizer.Stats().Duplicates)

	// exactly one write reached the store
	value, err := b.store.Read(context.Background(), "guild-1", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestBotConfigSetThenGet(t *testing.T) {
	b := newTestBot(t)

	reply := runInteraction(
		t, b, "guild-1", "config", "set",
		map[string]string{"key": "greeting", "value": "hello"},
	)
	assert.Contains(t, reply.content, "greeting")

	reply = runInteraction(
		t, b, "guild-1", "config", "get",
		map[string]string{"key": "greeting"},
	)
	assert.Contains(t, reply.content, "hello")

	// values are scoped per guild
	reply = runInteraction(
		t, b, "guild-2", "config", "get",
		map[string]string{"key": "greeting"},
	)
	assert.Contains(t, reply.content, "isn't set")
}

func TestBotGuildRemoveTearsDownScope(t *testing.T) {
	b := newTestBot(t)
	stop := runNormalizeLoop(t, b)
	defer stop()

	b.registry.GetOrCreate("guild-1")
	require.Equal(t, 1, b.registry.Len())

	payload, err := json.Marshal(
		eventEnvelope{
			Kind:    EventKindMembership,
			ScopeID: "guild-1",
			Command: "guild-remove",
		},
	)
	require.NoError(t, err)
	b.intake <- RawEvent{
		DeliveryID: "remove-1",
		Source:     "test",
		Payload:    payload,
	}

	require.Eventually(
		t, func() bool {
			return b.registry.Get("guild-1") == nil
		}, 5*time.Second, 10*time.Millisecond,
	)
}

func TestBotRecordsEventLog(t *testing.T) {
	b := newTestBot(t)
	stop := runNormalizeLoop(t, b)
	defer stop()

	payload, err := json.Marshal(
		eventEnvelope{
			Kind:    EventKindMessage,
			ScopeID: "guild-1",
			ActorID: "user-1",
			Content: "hello there",
		},
	)
	require.NoError(t, err)
	b.intake <- RawEvent{
		DeliveryID: "msg-1",
		Source:     "test",
		Payload:    payload,
	}

	require.Eventually(
		t, func() bool {
			var count int64
			_ = b.db.Model(&EventLog{}).Count(&count).Error
			return count == 1
		}, 5*time.Second, 10*time.Millisecond,
	)

	var entry EventLog
	require.NoError(t, b.db.First(&entry).Error)
	assert.Equal(t, "msg-1", entry.DeliveryID)
	assert.Equal(t, "guild-1", entry.ScopeID)
	assert.Equal(t, "hello there", entry.Payload)
}

func TestBotMalformedEventDropped(t *testing.T) {
	b := newTestBot(t)
	stop := runNormalizeLoop(t, b)
	defer stop()

	b.intake <- RawEvent{
		DeliveryID: "bad-1",
		Source:     "test",
		Payload:    []byte(`{"kind": "message"}`),
	}

	require.Eventually(
		t, func() bool {
			return b.normalizer.Stats().Malformed == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, int64(0), b.dispatcher.Stats().Submitted)
}

func TestNewValidatesConfig(t *testing.T) {
	config := DefaultConfig()
	config.DatabaseType = "mariadb"
	_, err := New(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewRegistersCommands(t *testing.T) {
	config := DefaultConfig()
	config.Discord.Token = "token"
	config.Discord.ApplicationID = "app-id"

	b, err := New(config)
	require.NoError(t, err)

	for _, pattern := range [][2]string{
		{"alert", "add"},
		{"alert", "list"},
		{"alert", "info"},
		{"alert", "edit"},
		{"alert", "remove"},
		{"config", "set"},
		{"config", "get"},
	} {
		_, ok := b.router.Route(
			&NormalizedEvent{
				Kind:       EventKindInteraction,
				ScopeID:    "guild-1",
				Command:    pattern[0],
				Subcommand: pattern[1],
			},
		)
		assert.Truef(t, ok, "expected %s %s to be routable", pattern[0], pattern[1])
	}
}
