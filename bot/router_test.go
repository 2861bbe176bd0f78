package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *Bot, *Command) error {
	return nil
}

func TestRouteInteraction(t *testing.T) {
	router := NewCommandRouter(nil)
	router.Register(EventKindInteraction, "config set", noopHandler)
	router.Register(EventKindInteraction, "config get", noopHandler)

	cmd, ok := router.Route(
		&NormalizedEvent{
			Kind:       EventKindInteraction,
			ScopeID:    "guild-1",
			Command:    "config",
			Subcommand: "get",
		},
	)
	require.True(t, ok)
	assert.Equal(t, "interaction:config get", cmd.Name)
}

func TestRouteFirstMatchWins(t *testing.T) {
	router := NewCommandRouter(nil)
	router.Register(EventKindMessage, "!ping", noopHandler)
	router.Register(EventKindMessage, "!p", noopHandler)

	cmd, ok := router.Route(
		&NormalizedEvent{
			Kind:    EventKindMessage,
			ScopeID: "guild-1",
			Content: "!ping",
		},
	)
	require.True(t, ok)
	assert.Equal(t, "message:!ping", cmd.Name)
}

func TestRouteUnrecognized(t *testing.T) {
	router := NewCommandRouter(nil)
	router.Register(EventKindInteraction, "config set", noopHandler)

	_, ok := router.Route(
		&NormalizedEvent{
			Kind:    EventKindInteraction,
			ScopeID: "guild-1",
			Command: "unknown",
		},
	)
	assert.False(t, ok)

	// same pattern, different kind
	_, ok = router.Route(
		&NormalizedEvent{
			Kind:    EventKindMessage,
			ScopeID: "guild-1",
			Content: "config set",
		},
	)
	assert.False(t, ok)
}

type testArgs struct {
	Name string `mapstructure:"name" validate:"required"`
}

func TestRouteDecodesArgs(t *testing.T) {
	router := NewCommandRouter(nil)
	router.Register(
		EventKindInteraction,
		"alert info",
		noopHandler,
		WithArgs(func() any { return &testArgs{} }),
	)

	cmd, ok := router.Route(
		&NormalizedEvent{
			Kind:       EventKindInteraction,
			ScopeID:    "guild-1",
			Command:    "alert",
			Subcommand: "info",
			Options:    map[string]string{"name": "raid-night"},
		},
	)
	require.True(t, ok)
	require.NoError(t, cmd.validationErr)
	args := cmd.Args().(*testArgs)
	assert.Equal(t, "raid-night", args.Name)
}

func TestRouteValidationFailure(t *testing.T) {
	router := NewCommandRouter(nil)

	handlerCalled := false
	router.Register(
		EventKindInteraction,
		"alert info",
		func(context.Context, *Bot, *Command) error {
			handlerCalled = true
			return nil
		},
		WithArgs(func() any { return &testArgs{} }),
	)

	responder := &recordingResponder{}
	ev := &NormalizedEvent{
		Kind:       EventKindInteraction,
		ScopeID:    "guild-1",
		Command:    "alert",
		Subcommand: "info",
		Options:    map[string]string{},
		responder:  responder,
	}

	cmd, ok := router.Route(ev)
	require.True(t, ok)
	require.Error(t, cmd.validationErr)

	// execution short-circuits into a user-visible validation reply
	require.NoError(t, cmd.Execute(context.Background(), nil))
	assert.False(t, handlerCalled)
	assert.Contains(t, responder.content, "Invalid input")
	assert.True(t, responder.ephemeral)
}
