package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandAlert  = "alert"
	DiscordSlashCommandConfig = "config"
)

// DiscordSessionHandler defines the subset of `discordgo.Session` methods
// used by this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	UpdateCustomStatus(status string) error
}

// discordSession wraps a real discordgo.Session as a DiscordSessionHandler.
type discordSession struct {
	session *discordgo.Session
}

func (s discordSession) Open() error  { return s.session.Open() }
func (s discordSession) Close() error { return s.session.Close() }

func (s discordSession) AddHandler(handler any) func() {
	return s.session.AddHandler(handler)
}

func (s discordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return s.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (s discordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return s.session.ChannelMessageSend(channelID, content, options...)
}

func (s discordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return s.session.InteractionRespond(interaction, resp, options...)
}

func (s discordSession) UpdateCustomStatus(status string) error {
	return s.session.UpdateCustomStatus(status)
}

// Discord manages the gateway connection and adapts discordgo events into
// RawEvent values for the normalizer. It never processes commands itself.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	bot     *Bot

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	removeHandlerFuncs []func()
}

func newDiscord(b *Bot, config *DiscordConfig, log *slog.Logger) *Discord {
	return &Discord{
		config: config,
		logger: log.With(loggerNameKey, "discord"),
		bot:    b,
	}
}

// newSession initializes the underlying discordgo session.
func (d *Discord) newSession(ctx context.Context) (DiscordSessionHandler, error) {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.SyncEvents = true
	session.StateEnabled = false
	session.Identify.Intents = d.config.GatewayIntents
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newTintHandler(d.config.DiscordGoLogLevel),
	)
	return discordSession{session: session}, nil
}

func (d *Discord) addHandlers() {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerInteractionCreate()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerReactionAdd()),
		d.session.AddHandler(d.handlerMemberAdd()),
		d.session.AddHandler(d.handlerMemberRemove()),
		d.session.AddHandler(d.handlerGuildDelete()),
	)
}

func (d *Discord) removeHandlers() {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to gateway")

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(*discordgo.Session, *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected from gateway")
	}
}

// scopeIDFor maps a discord event to its interaction scope: the guild, or
// a synthetic per-channel scope for DMs.
func scopeIDFor(guildID, channelID string) string {
	if guildID != "" {
		return guildID
	}
	return "dm:" + channelID
}

func (d *Discord) handlerInteractionCreate() func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		user := i.User
		if user == nil && i.Member != nil {
			user = i.Member.User
		}
		if user == nil {
			d.logger.Warn("interaction without user", "interaction_id", i.ID)
			return
		}

		envelope := eventEnvelope{
			Kind:      EventKindInteraction,
			ScopeID:   scopeIDFor(i.GuildID, i.ChannelID),
			ActorID:   user.ID,
			ActorName: user.Username,
			ChannelID: i.ChannelID,
			Command:   data.Name,
			Options:   map[string]string{},
		}
		options := data.Options
		if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
			envelope.Subcommand = options[0].Name
			options = options[0].Options
		}
		for name, opt := range discordInteractionOptions(options) {
			envelope.Options[name] = fmt.Sprintf("%v", opt.Value)
		}

		d.bot.normalizer.AttachResponder(
			i.ID,
			&interactionResponder{session: d.session, interaction: i.Interaction},
		)
		d.pushRawEvent("interaction:"+i.ID, envelope)
	}
}

func (d *Discord) handlerMessageCreate() func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		envelope := eventEnvelope{
			Kind:      EventKindMessage,
			ScopeID:   scopeIDFor(m.GuildID, m.ChannelID),
			ActorID:   m.Author.ID,
			ActorName: m.Author.Username,
			ChannelID: m.ChannelID,
			Content:   m.Content,
		}
		d.bot.normalizer.AttachResponder(
			"message:"+m.ID,
			&channelResponder{session: d.session, channelID: m.ChannelID},
		)
		d.pushRawEvent("message:"+m.ID, envelope)
	}
}

func (d *Discord) handlerReactionAdd() func(
	*discordgo.Session,
	*discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		envelope := eventEnvelope{
			Kind:      EventKindReaction,
			ScopeID:   scopeIDFor(r.GuildID, r.ChannelID),
			ActorID:   r.UserID,
			ChannelID: r.ChannelID,
			Content:   r.Emoji.Name,
			Options:   map[string]string{"message_id": r.MessageID},
		}
		deliveryID := fmt.Sprintf("reaction:%s:%s:%s", r.MessageID, r.UserID, r.Emoji.Name)
		d.pushRawEvent(deliveryID, envelope)
	}
}

func (d *Discord) handlerMemberAdd() func(
	*discordgo.Session,
	*discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		envelope := eventEnvelope{
			Kind:    EventKindMembership,
			ScopeID: m.GuildID,
			ActorID: m.User.ID,
			Command: "member-add",
		}
		deliveryID := fmt.Sprintf("member-add:%s:%s:%d", m.GuildID, m.User.ID, time.Now().UnixMilli())
		d.pushRawEvent(deliveryID, envelope)
	}
}

func (d *Discord) handlerMemberRemove() func(
	*discordgo.Session,
	*discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		envelope := eventEnvelope{
			Kind:    EventKindMembership,
			ScopeID: m.GuildID,
			ActorID: m.User.ID,
			Command: "member-remove",
		}
		deliveryID := fmt.Sprintf("member-remove:%s:%s:%d", m.GuildID, m.User.ID, time.Now().UnixMilli())
		d.pushRawEvent(deliveryID, envelope)
	}
}

// handlerGuildDelete tears down the guild's scope when the bot is removed
// from a guild.
func (d *Discord) handlerGuildDelete() func(
	*discordgo.Session,
	*discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Unavailable {
			// outage, not a removal
			return
		}
		envelope := eventEnvelope{
			Kind:    EventKindMembership,
			ScopeID: g.ID,
			Command: "guild-remove",
		}
		deliveryID := fmt.Sprintf("guild-remove:%s:%d", g.ID, time.Now().UnixMilli())
		d.pushRawEvent(deliveryID, envelope)
	}
}

// pushRawEvent hands a raw event to the bot's intake channel. The gateway
// dispatch goroutine is never blocked: a full intake drops the event with
// a metric.
func (d *Discord) pushRawEvent(deliveryID string, envelope eventEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("error marshaling event envelope", tint.Err(err))
		return
	}
	raw := RawEvent{
		DeliveryID: deliveryID,
		Source:     "discord",
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}
	select {
	case d.bot.intake <- raw:
	default:
		d.bot.metricIntakeDropped.Add(1)
		d.logger.Warn("intake full, dropping event", "delivery_id", deliveryID)
	}
}

// registerCommands sends the bot's slash commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandAlert(),
		appCommandConfig(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name)
	}
	return created, nil
}

// interactionResponder replies to a slash command interaction.
type interactionResponder struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	responded   atomic.Bool
}

func (r *interactionResponder) Respond(
	_ context.Context,
	content string,
	ephemeral bool,
) error {
	if !r.responded.CompareAndSwap(false, true) {
		return errors.New("interaction already responded to")
	}
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	return r.session.InteractionRespond(
		r.interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   flags,
			},
		},
	)
}

// channelResponder replies into the originating channel.
type channelResponder struct {
	session   DiscordSessionHandler
	channelID string
}

func (r *channelResponder) Respond(
	_ context.Context,
	content string,
	_ bool,
) error {
	_, err := r.session.ChannelMessageSend(r.channelID, content)
	return err
}

// discordChannelSink delivers notification jobs as channel messages.
type discordChannelSink struct {
	session DiscordSessionHandler
}

func (s *discordChannelSink) Send(_ context.Context, target, payload string) error {
	_, err := s.session.ChannelMessageSend(
		target,
		truncate(payload, discordMaxMessageLength),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		if restErr.Response.StatusCode >= 500 ||
			restErr.Response.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrDeliveryTransient, err.Error())
		}
		return err
	}
	// network-level failures are worth retrying
	return fmt.Errorf("%w: %s", ErrDeliveryTransient, err.Error())
}
