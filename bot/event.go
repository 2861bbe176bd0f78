package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventKind is the canonical classification of a normalized event.
type EventKind string

const (
	EventKindMessage     EventKind = "message"
	EventKindReaction    EventKind = "reaction"
	EventKindMembership  EventKind = "membership"
	EventKindInteraction EventKind = "interaction"
	EventKindTick        EventKind = "tick"
)

var (
	// ErrDuplicateDelivery indicates the event's delivery ID was already
	// seen within the recent-ID window.
	ErrDuplicateDelivery = errors.New("duplicate delivery id")

	// ErrMalformedEvent indicates the raw payload failed schema validation.
	ErrMalformedEvent = errors.New("malformed event payload")
)

// RawEvent is an opaque inbound event as produced by the gateway adapter.
// The gateway delivers at-least-once and possibly out of order, so the
// DeliveryID is the only field the normalizer relies on before decoding.
type RawEvent struct {
	DeliveryID string
	Source     string
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// eventEnvelope is the decoded form of RawEvent.Payload, validated before a
// NormalizedEvent is emitted.
//
//nolint:lll // struct tags can't be split
type eventEnvelope struct {
	Kind       EventKind         `json:"kind" validate:"required,oneof=message reaction membership interaction tick"`
	ScopeID    string            `json:"scope_id" validate:"required"`
	ActorID    string            `json:"actor_id"`
	ActorName  string            `json:"actor_name"`
	ChannelID  string            `json:"channel_id"`
	Command    string            `json:"command"`
	Subcommand string            `json:"subcommand"`
	Options    map[string]string `json:"options"`
	Content    string            `json:"content"`
}

// NormalizedEvent is the canonical internal event type. It is immutable
// once created.
type NormalizedEvent struct {
	Kind       EventKind
	DeliveryID string
	ScopeID    string
	ActorID    string
	ActorName  string
	ChannelID  string
	Command    string
	Subcommand string
	Options    map[string]string
	Content    string
	ReceivedAt time.Time

	// responder replies to the actor, when the surface supports replies.
	// Nil for surfaces without a reply path (ticks, membership changes).
	responder Responder
}

// Responder is the reply surface attached to an event. Implemented by the
// Discord interaction/message adapters and by test doubles.
type Responder interface {
	Respond(ctx context.Context, content string, ephemeral bool) error
}

// Respond replies to the event's actor. Events without a reply surface
// silently discard the response.
func (ev *NormalizedEvent) Respond(ctx context.Context, content string, ephemeral bool) error {
	if ev.responder == nil {
		return nil
	}
	return ev.responder.Respond(ctx, truncate(content, discordMaxMessageLength), ephemeral)
}

func (ev NormalizedEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("delivery_id", ev.DeliveryID),
		slog.String("kind", string(ev.Kind)),
		slog.String("scope_id", ev.ScopeID),
	}
	if ev.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", ev.ActorID))
	}
	if ev.Command != "" {
		attrs = append(attrs, slog.String("command", ev.Command))
	}
	if ev.Subcommand != "" {
		attrs = append(attrs, slog.String("subcommand", ev.Subcommand))
	}
	return slog.GroupValue(attrs...)
}

// EventNormalizer adapts raw gateway events into NormalizedEvent values,
// suppressing duplicate deliveries and dropping malformed payloads. It does
// no blocking I/O.
type EventNormalizer struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	ring       []string
	ringIndex  int
	validate   *validator.Validate
	logger     *slog.Logger
	responders sync.Map

	metricDuplicates atomic.Int64
	metricMalformed  atomic.Int64
	metricNormalized atomic.Int64
}

// NewEventNormalizer creates a normalizer with a duplicate-suppression
// window of windowSize delivery IDs.
func NewEventNormalizer(windowSize int, log *slog.Logger) *EventNormalizer {
	if windowSize < 1 {
		windowSize = DefaultDedupWindowSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventNormalizer{
		seen:     make(map[string]struct{}, windowSize),
		ring:     make([]string, windowSize),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With(loggerNameKey, "normalizer"),
	}
}

// Normalize converts a RawEvent into a NormalizedEvent. Duplicate delivery
// IDs return ErrDuplicateDelivery; payloads failing schema validation
// return ErrMalformedEvent. Both are normal outcomes, counted and reported
// to the caller, never fatal.
func (n *EventNormalizer) Normalize(raw RawEvent) (*NormalizedEvent, error) {
	if raw.DeliveryID == "" {
		n.metricMalformed.Add(1)
		return nil, fmt.Errorf("%w: missing delivery id", ErrMalformedEvent)
	}

	if !n.markSeen(raw.DeliveryID) {
		n.metricDuplicates.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDelivery, raw.DeliveryID)
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(raw.Payload, &envelope); err != nil {
		n.metricMalformed.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
	}
	if err := n.validate.Struct(envelope); err != nil {
		n.metricMalformed.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	ev := &NormalizedEvent{
		Kind:       envelope.Kind,
		DeliveryID: raw.DeliveryID,
		ScopeID:    envelope.ScopeID,
		ActorID:    envelope.ActorID,
		ActorName:  envelope.ActorName,
		ChannelID:  envelope.ChannelID,
		Command:    envelope.Command,
		Subcommand: envelope.Subcommand,
		Options:    envelope.Options,
		Content:    envelope.Content,
		ReceivedAt: receivedAt,
	}
	if responder, ok := n.responders.LoadAndDelete(raw.DeliveryID); ok {
		ev.responder = responder.(Responder)
	}
	n.metricNormalized.Add(1)
	return ev, nil
}

// AttachResponder registers the reply surface for a pending delivery ID.
// The gateway adapter calls this before pushing the RawEvent, since the
// reply handle can't be serialized into the payload.
func (n *EventNormalizer) AttachResponder(deliveryID string, r Responder) {
	if r == nil {
		return
	}
	n.responders.Store(deliveryID, r)
}

// markSeen records the delivery ID in the recent-ID window, returning false
// if it was already present. The oldest entry is evicted once the window
// is full.
func (n *EventNormalizer) markSeen(deliveryID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, dup := n.seen[deliveryID]; dup {
		return false
	}
	if evicted := n.ring[n.ringIndex]; evicted != "" {
		delete(n.seen, evicted)
		n.responders.Delete(evicted)
	}
	n.ring[n.ringIndex] = deliveryID
	n.ringIndex = (n.ringIndex + 1) % len(n.ring)
	n.seen[deliveryID] = struct{}{}
	return true
}

// Stats reports normalizer counters.
func (n *EventNormalizer) Stats() NormalizerStats {
	return NormalizerStats{
		Normalized: n.metricNormalized.Load(),
		Duplicates: n.metricDuplicates.Load(),
		Malformed:  n.metricMalformed.Load(),
	}
}

type NormalizerStats struct {
	Normalized int64 `json:"normalized"`
	Duplicates int64 `json:"duplicates"`
	Malformed  int64 `json:"malformed"`
}
