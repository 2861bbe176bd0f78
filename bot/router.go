package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Handler executes a routed command. Handlers are expected to complete
// promptly; long-running side effects go through the notification gateway.
type Handler func(ctx context.Context, b *Bot, cmd *Command) error

// Command is a typed, scope-scoped unit of work resolved from a
// NormalizedEvent. A Command belongs to exactly one scope and is never
// executed concurrently with another Command of the same scope.
type Command struct {
	Name  string
	Event *NormalizedEvent

	handler       Handler
	args          any
	validationErr error
	notifyOnError bool
}

// Args returns the validated argument struct produced during routing, or
// nil when the binding declares no arguments.
func (c *Command) Args() any {
	return c.args
}

// Execute runs the command's handler. Argument validation failures short
// circuit into a user-visible validation error without invoking the
// handler body.
func (c *Command) Execute(ctx context.Context, b *Bot) error {
	if c.validationErr != nil {
		return c.Event.Respond(
			ctx,
			fmt.Sprintf("Invalid input: %s", c.validationErr.Error()),
			true,
		)
	}
	return c.handler(ctx, b, c)
}

func (c Command) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("scope_id", c.Event.ScopeID),
		slog.String("delivery_id", c.Event.DeliveryID),
	)
}

// ArgsError is the user-visible form of an argument validation failure.
type ArgsError struct {
	Field  string
	Reason string
}

func (e ArgsError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Field, e.Reason)
}

type binding struct {
	kind          EventKind
	pattern       string
	name          string
	handler       Handler
	newArgs       func() any
	notifyOnError bool
}

// BindingOption customizes a registered binding.
type BindingOption func(*binding)

// WithArgs declares the argument struct for a binding. newArgs must return
// a pointer to a struct with mapstructure/validate tags; event options are
// decoded into it and validated during routing.
func WithArgs(newArgs func() any) BindingOption {
	return func(b *binding) {
		b.newArgs = newArgs
	}
}

// WithErrorNotification requests an internal-error notification job when
// the handler fails or panics.
func WithErrorNotification() BindingOption {
	return func(b *binding) {
		b.notifyOnError = true
	}
}

// CommandRouter resolves normalized events to registered handlers.
// Resolution is first-match over bindings in registration order.
type CommandRouter struct {
	mu       sync.RWMutex
	bindings []*binding
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCommandRouter(log *slog.Logger) *CommandRouter {
	if log == nil {
		log = slog.Default()
	}
	return &CommandRouter{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With(loggerNameKey, "router"),
	}
}

// Register binds (kind, pattern) to a handler. For interaction and tick
// events the pattern matches the command name, optionally including the
// subcommand ("alert add"). For message events the pattern is a content
// prefix.
func (r *CommandRouter) Register(
	kind EventKind,
	pattern string,
	handler Handler,
	opts ...BindingOption,
) {
	b := &binding{
		kind:    kind,
		pattern: pattern,
		name:    fmt.Sprintf("%s:%s", kind, pattern),
		handler: handler,
	}
	for _, opt := range opts {
		opt(b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, b)
}

// Route resolves an event to a Command. The returned bool is false for
// unrecognized input, which is a normal outcome, not an error.
func (r *CommandRouter) Route(ev *NormalizedEvent) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bindings {
		if !b.matches(ev) {
			continue
		}
		cmd := &Command{
			Name:          b.name,
			Event:         ev,
			handler:       b.handler,
			notifyOnError: b.notifyOnError,
		}
		if b.newArgs != nil {
			args := b.newArgs()
			if err := r.decodeArgs(ev, args); err != nil {
				cmd.validationErr = err
				return cmd, true
			}
			cmd.args = args
		}
		return cmd, true
	}
	return nil, false
}

func (b *binding) matches(ev *NormalizedEvent) bool {
	if b.kind != ev.Kind {
		return false
	}
	switch ev.Kind {
	case EventKindMessage:
		return strings.HasPrefix(ev.Content, b.pattern)
	default:
		commandPath := ev.Command
		if ev.Subcommand != "" {
			commandPath = ev.Command + " " + ev.Subcommand
		}
		return b.pattern == commandPath || b.pattern == ev.Command
	}
}

// decodeArgs maps event options onto the binding's argument struct and
// validates it.
func (r *CommandRouter) decodeArgs(ev *NormalizedEvent, args any) error {
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			Result:           args,
			WeaklyTypedInput: true,
		},
	)
	if err != nil {
		return err
	}
	if decodeErr := decoder.Decode(ev.Options); decodeErr != nil {
		return ArgsError{Field: "options", Reason: decodeErr.Error()}
	}
	if validateErr := r.validate.Struct(args); validateErr != nil {
		var invalid validator.ValidationErrors
		if errors.As(validateErr, &invalid) && len(invalid) > 0 {
			return ArgsError{
				Field:  strings.ToLower(invalid[0].Field()),
				Reason: invalid[0].Tag(),
			}
		}
		return validateErr
	}
	return nil
}
