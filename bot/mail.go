package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
)

// MailMessage is an inbound mail summary as returned by a Mailbox.
type MailMessage struct {
	ID      string
	From    string
	Subject string
	Snippet string
}

// Mailbox fetches unseen inbound mail. Implementations are expected to
// mark fetched messages as seen so they are returned only once.
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]MailMessage, error)
}

// httpMailbox fetches unseen mail from an HTTP endpoint that returns a
// JSON array of messages and marks them seen server-side on fetch.
type httpMailbox struct {
	url    string
	client *http.Client
}

func newHTTPMailbox(url string) *httpMailbox {
	return &httpMailbox{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *httpMailbox) FetchUnseen(ctx context.Context) ([]MailMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching mailbox: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mailbox returned status %d", resp.StatusCode)
	}

	var messages []MailMessage
	if err = json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("error decoding mailbox response: %w", err)
	}
	return messages, nil
}

// mailForwarder polls a mailbox and forwards new messages to a channel
// through the notification gateway, so mail delivery shares the same
// retry and dead-letter behavior as every other outbound message.
type mailForwarder struct {
	mailbox      Mailbox
	notifier     *NotificationGateway
	channelID    string
	pollInterval time.Duration
	logger       *slog.Logger
}

func newMailForwarder(
	mailbox Mailbox,
	notifier *NotificationGateway,
	config *MailConfig,
	log *slog.Logger,
) *mailForwarder {
	if config == nil {
		config = DefaultConfig().Mail
	}
	if log == nil {
		log = slog.Default()
	}
	return &mailForwarder{
		mailbox:      mailbox,
		notifier:     notifier,
		channelID:    config.ChannelID,
		pollInterval: config.PollInterval,
		logger:       log.With(loggerNameKey, "mail"),
	}
}

// Run polls the mailbox until ctx is canceled. Fetch failures are logged
// and retried on the next poll.
func (f *mailForwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f.poll(ctx)
	}
}

func (f *mailForwarder) poll(ctx context.Context) {
	messages, err := f.mailbox.FetchUnseen(ctx)
	if err != nil {
		f.logger.ErrorContext(ctx, "error fetching mail", tint.Err(err))
		return
	}
	for _, msg := range messages {
		payload := fmt.Sprintf(
			"**New mail** from %s\n**%s**\n%s",
			msg.From,
			msg.Subject,
			truncate(msg.Snippet, 500),
		)
		job := NewNotificationJob(NotificationKindChannel, f.channelID, payload)
		if err = f.notifier.Enqueue(ctx, job); err != nil {
			f.logger.ErrorContext(
				ctx,
				"error forwarding mail",
				"mail_id", msg.ID,
				tint.Err(err),
			)
		}
	}
}
