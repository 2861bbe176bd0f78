package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// alertDateLayout is the user-facing date format (dd.MM.yyyy).
const alertDateLayout = "02.01.2006"

// alertPruneAfter is how long past the due date an alert is kept before
// the sweeper prunes it.
const alertPruneAfter = 36 * time.Hour

// Alert is a scheduled reminder, unique by name within its scope.
type Alert struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ScopeID     string `json:"scope_id" gorm:"uniqueIndex:idx_scope_alert;not null"`
	Name        string `json:"name" gorm:"uniqueIndex:idx_scope_alert;not null"`
	Description string `json:"description" gorm:"type:string"`
	CreatedBy   string `json:"created_by" gorm:"type:string"`

	// DueAt is the alert date at midnight UTC, unix milliseconds
	DueAt int64 `json:"due_at" gorm:"index;not null"`

	// LastReminderAt is when a reminder for this alert last fired, unix
	// milliseconds. Zero when no reminder has fired yet.
	LastReminderAt int64 `json:"last_reminder_at"`
	ModelUnixTime
}

func (a Alert) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("scope_id", a.ScopeID),
		slog.String("name", a.Name),
		slog.Time("due_at", time.UnixMilli(a.DueAt)),
	)
}

// DueDate returns the alert's due date formatted for display.
func (a Alert) DueDate() string {
	return time.UnixMilli(a.DueAt).UTC().Format(alertDateLayout)
}

func parseAlertDate(value string) (time.Time, error) {
	due, err := time.ParseInLocation(alertDateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected a date like 24.12.2026: %w", err)
	}
	return due, nil
}

type alertAddArgs struct {
	Name        string `mapstructure:"name" validate:"required,max=100"`
	Date        string `mapstructure:"date" validate:"required"`
	Description string `mapstructure:"description" validate:"max=500"`
}

type alertNameArgs struct {
	Name string `mapstructure:"name" validate:"required,max=100"`
}

type alertEditArgs struct {
	Name     string `mapstructure:"name" validate:"required,max=100"`
	Property string `mapstructure:"property" validate:"required,oneof=name date description"`
	Value    string `mapstructure:"value" validate:"required,max=500"`
}

// registerAlertCommands binds the /alert subcommands and the reminder
// sweep tick.
func registerAlertCommands(router *CommandRouter) {
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandAlert+" add",
		alertAddHandler,
		WithArgs(func() any { return &alertAddArgs{} }),
		WithErrorNotification(),
	)
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandAlert+" list",
		alertListHandler,
		WithErrorNotification(),
	)
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandAlert+" info",
		alertInfoHandler,
		WithArgs(func() any { return &alertNameArgs{} }),
		WithErrorNotification(),
	)
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandAlert+" edit",
		alertEditHandler,
		WithArgs(func() any { return &alertEditArgs{} }),
		WithErrorNotification(),
	)
	router.Register(
		EventKindInteraction,
		DiscordSlashCommandAlert+" remove",
		alertRemoveHandler,
		WithArgs(func() any { return &alertNameArgs{} }),
		WithErrorNotification(),
	)
	router.Register(EventKindTick, "alert-sweep", alertSweepHandler)
}

func alertAddHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*alertAddArgs)
	ev := cmd.Event

	due, err := parseAlertDate(args.Date)
	if err != nil {
		return ev.Respond(ctx, fmt.Sprintf("Invalid date: %s", err.Error()), true)
	}
	if due.Before(time.Now().UTC().Truncate(24 * time.Hour)) {
		return ev.Respond(ctx, "That date is already in the past.", true)
	}

	if _, err = getAlert(ctx, b.db, ev.ScopeID, args.Name); err == nil {
		return ev.Respond(
			ctx,
			fmt.Sprintf("An alert named `%s` already exists.", args.Name),
			true,
		)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error checking for existing alert: %w", err)
	}

	alert := &Alert{
		ScopeID:     ev.ScopeID,
		Name:        args.Name,
		Description: args.Description,
		CreatedBy:   ev.ActorID,
		DueAt:       due.UnixMilli(),
	}
	if _, err = b.writeDB.Create(ctx, alert); err != nil {
		return fmt.Errorf("error creating alert: %w", err)
	}
	return ev.Respond(
		ctx,
		fmt.Sprintf("Alert `%s` set for %s.", alert.Name, alert.DueDate()),
		false,
	)
}

func alertListHandler(ctx context.Context, b *Bot, cmd *Command) error {
	ev := cmd.Event

	var alerts []Alert
	err := b.db.WithContext(ctx).Where(
		"scope_id = ?", ev.ScopeID,
	).Order("due_at").Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("error listing alerts: %w", err)
	}
	if len(alerts) == 0 {
		return ev.Respond(ctx, "No alerts set.", true)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%d alert(s):**\n", len(alerts)))
	for _, a := range alerts {
		sb.WriteString(fmt.Sprintf("- `%s` on %s\n", a.Name, a.DueDate()))
	}
	return ev.Respond(ctx, sb.String(), false)
}

func alertInfoHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*alertNameArgs)
	ev := cmd.Event

	alert, err := getAlert(ctx, b.db, ev.ScopeID, args.Name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ev.Respond(ctx, fmt.Sprintf("No alert named `%s`.", args.Name), true)
		}
		return fmt.Errorf("error loading alert: %w", err)
	}

	description := alert.Description
	if description == "" {
		description = "(none)"
	}
	return ev.Respond(
		ctx,
		fmt.Sprintf(
			"**%s**\nDate: %s\nDescription: %s\nCreated by: <@%s>",
			alert.Name,
			alert.DueDate(),
			description,
			alert.CreatedBy,
		),
		false,
	)
}

func alertEditHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*alertEditArgs)
	ev := cmd.Event

	alert, err := getAlert(ctx, b.db, ev.ScopeID, args.Name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ev.Respond(ctx, fmt.Sprintf("No alert named `%s`.", args.Name), true)
		}
		return fmt.Errorf("error loading alert: %w", err)
	}

	updates := map[string]any{}
	switch args.Property {
	case "name":
		if _, err = getAlert(ctx, b.db, ev.ScopeID, args.Value); err == nil {
			return ev.Respond(
				ctx,
				fmt.Sprintf("An alert named `%s` already exists.", args.Value),
				true,
			)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error checking for existing alert: %w", err)
		}
		updates["name"] = args.Value
	case "date":
		due, parseErr := parseAlertDate(args.Value)
		if parseErr != nil {
			return ev.Respond(ctx, fmt.Sprintf("Invalid date: %s", parseErr.Error()), true)
		}
		if due.Before(time.Now().UTC().Truncate(24 * time.Hour)) {
			return ev.Respond(ctx, "That date is already in the past.", true)
		}
		updates["due_at"] = due.UnixMilli()
		// edited dates start the reminder schedule over
		updates["last_reminder_at"] = 0
	case "description":
		updates["description"] = args.Value
	}

	if _, err = b.writeDB.Updates(ctx, alert, updates); err != nil {
		return fmt.Errorf("error updating alert: %w", err)
	}
	return ev.Respond(
		ctx,
		fmt.Sprintf("Updated %s of alert `%s`.", args.Property, args.Name),
		false,
	)
}

func alertRemoveHandler(ctx context.Context, b *Bot, cmd *Command) error {
	args := cmd.Args().(*alertNameArgs)
	ev := cmd.Event

	alert, err := getAlert(ctx, b.db, ev.ScopeID, args.Name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ev.Respond(ctx, fmt.Sprintf("No alert named `%s`.", args.Name), true)
		}
		return fmt.Errorf("error loading alert: %w", err)
	}
	if _, err = b.writeDB.Delete(ctx, alert); err != nil {
		return fmt.Errorf("error deleting alert: %w", err)
	}
	return ev.Respond(ctx, fmt.Sprintf("Removed alert `%s`.", args.Name), false)
}

func getAlert(ctx context.Context, db *gorm.DB, scopeID, name string) (*Alert, error) {
	var alert Alert
	err := db.WithContext(ctx).Where(
		"scope_id = ? AND name = ?", scopeID, name,
	).First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// alertSweepHandler runs on the periodic sweep tick for a scope. It fires
// the first reminder once the first-reminder window opens, the final
// reminder once the last-reminder window opens, and prunes alerts long
// past due.
func alertSweepHandler(ctx context.Context, b *Bot, cmd *Command) error {
	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = b.logger
	}
	cfg := b.config.Alert
	now := time.Now().UTC()

	var alerts []Alert
	err := b.db.WithContext(ctx).Where(
		"scope_id = ?", cmd.Event.ScopeID,
	).Order("due_at").Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("error loading alerts for sweep: %w", err)
	}

	for i := range alerts {
		alert := &alerts[i]
		due := time.UnixMilli(alert.DueAt).UTC()

		if now.After(due.Add(alertPruneAfter)) {
			if _, err = b.writeDB.Delete(ctx, alert); err != nil {
				log.ErrorContext(ctx, "error pruning alert", "alert", *alert, tint.Err(err))
			} else {
				log.InfoContext(ctx, "pruned expired alert", "alert", *alert)
			}
			continue
		}

		remind, final := reminderDue(alert, now, cfg)
		if !remind {
			continue
		}
		if err = b.sendAlertReminder(ctx, alert, due, final); err != nil {
			log.ErrorContext(ctx, "error sending reminder", "alert", *alert, tint.Err(err))
			continue
		}
		if _, err = b.writeDB.Updates(
			ctx, alert, map[string]any{"last_reminder_at": now.UnixMilli()},
		); err != nil {
			log.ErrorContext(ctx, "error recording reminder", "alert", *alert, tint.Err(err))
		}
	}
	return nil
}

// reminderDue decides whether a reminder should fire now, and whether it
// is the final one. The first reminder fires once inside the
// first-reminder window; the final reminder fires once inside the
// last-reminder window.
func reminderDue(alert *Alert, now time.Time, cfg *AlertConfig) (due bool, final bool) {
	dueAt := time.UnixMilli(alert.DueAt).UTC()
	untilDue := dueAt.Sub(now)
	if untilDue < 0 {
		return false, false
	}

	lastReminder := time.UnixMilli(alert.LastReminderAt).UTC()
	switch {
	case untilDue <= cfg.LastReminder:
		// final window: fire unless a reminder already fired inside it
		alreadyFired := alert.LastReminderAt != 0 &&
			dueAt.Sub(lastReminder) <= cfg.LastReminder
		return !alreadyFired, true
	case untilDue <= cfg.FirstReminder:
		return alert.LastReminderAt == 0, false
	default:
		return false, false
	}
}

// sendAlertReminder enqueues the reminder as a channel notification job.
func (b *Bot) sendAlertReminder(
	ctx context.Context,
	alert *Alert,
	due time.Time,
	final bool,
) error {
	channelID := b.config.Alert.ChannelID
	if channelID == "" {
		channelID = b.config.Discord.NotificationChannelID
	}
	if channelID == "" {
		return errors.New("no alert channel configured")
	}

	mention := ""
	if b.config.Alert.RoleID != "" {
		mention = fmt.Sprintf("<@&%s> ", b.config.Alert.RoleID)
	}
	prefix := "Reminder"
	if final {
		prefix = "Final reminder"
	}
	payload := fmt.Sprintf(
		"%s%s: `%s` is due %s.",
		mention,
		prefix,
		alert.Name,
		due.Format(alertDateLayout),
	)
	if alert.Description != "" {
		payload += "\n" + alert.Description
	}
	return b.notifier.Enqueue(ctx, NewNotificationJob(NotificationKindChannel, channelID, payload))
}

// appCommandAlert builds the /alert application command definition.
func appCommandAlert() *discordgo.ApplicationCommand {
	nameOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "name",
		Description: "Alert name",
		Required:    true,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAlert,
		Description: "Manage scheduled reminders",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Create a new alert",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption,
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "date",
						Description: "Due date (dd.mm.yyyy)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "description",
						Description: "Optional description",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List all alerts",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "info",
				Description: "Show details for an alert",
				Options:     []*discordgo.ApplicationCommandOption{nameOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "edit",
				Description: "Edit an alert",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption,
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "property",
						Description: "Property to change",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "name", Value: "name"},
							{Name: "date", Value: "date"},
							{Name: "description", Value: "description"},
						},
					},
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
				Name:        "remove",
				Description: "Remove an alert",
				Options:     []*discordgo.ApplicationCommandOption{nameOption},
			},
		},
	}
}
