package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

type configSetArgs struct {
	Key   string `mapstructure:"key" validate:"required,max=100"`
	Value string `mapstructure:"value" validate:"required,max=1000"`
}

type configGetArgs struct {
	Key string `mapstructure:"key" validate:"required,max=100"`
}

// registerConfigCommands binds the /config subcommands.
func registerConfigCommands(router *CommandRouter) {
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandConfig+" set",
		configSetHandler,
		WithArgs(func() any { return &configSetArgs{} }),
		WithErrorNotification(),
	)
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandConfig+" get",
		configGetHandler,
		WithArgs(func() any { return &configGetArgs{} }),
		WithErrorNotification(),
	)
}

func configSetHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*configSetArgs)
	ev := cmd.Event

	if err := b.store.Write(ctx, ev.ScopeID, args.Key, args.Value); err != nil {
		if IsTransientStoreError(err) {
			_ = ev.Respond(
				ctx,
				"The settings store is temporarily unavailable, try again shortly.",
				true,
			)
		}
		return fmt.Errorf("error writing config: %w", err)
	}
	if b.configNotifier != nil {
		b.configNotifier.Announce(ctx, ev.ScopeID)
	}
	return ev.Respond(ctx, fmt.Sprintf("Set `%s` to `%s`.", args.Key, args.Value), false)
}

func configGetHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*configGetArgs)
	ev := cmd.Event

	value, err := b.store.Read(ctx, ev.ScopeID, args.Key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return ev.Respond(ctx, fmt.Sprintf("`%s` isn't set.", args.Key), true)
		}
		if IsTransientStoreError(err) {
			_ = ev.Respond(
				ctx,
				"The settings store is temporarily unavailable, try again shortly.",
				true,
			)
		}
		return fmt.Errorf("error reading config: %w", err)
	}
	return ev.Respond(ctx, fmt.Sprintf("`%s` = `%s`", args.Key, value), false)
}

// appCommandConfig builds the /config application command definition.
func appCommandConfig() *discordgo.ApplicationCommand {
	keyOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "key",
		Description: "Setting name",
		Required:    true,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandConfig,
		Description: "Per-server bot settings",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set",
				Description: "Set a value",
				Options: []*discordgo.ApplicationCommandOption{
					keyOption,
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "value",
						Description: "New value",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "get",
				Description: "Show a value",
				Options:     []*discordgo.ApplicationCommandOption{keyOption},
			},
		},
	}
}
