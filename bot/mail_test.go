package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	messages []MailMessage
	err      error
}

func (f *fakeMailbox) FetchUnseen(context.Context) ([]MailMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	unseen := f.messages
	f.messages = nil
	return unseen, nil
}

func TestMailForwarderEnqueuesMessages(t *testing.T) {
	b := newTestBot(t)
	mailbox := &fakeMailbox{
		messages: []MailMessage{
			{ID: "mail-1", From: "a@example.com", Subject: "hi", Snippet: "hello"},
			{ID: "mail-2", From: "b@example.com", Subject: "yo", Snippet: "sup"},
		},
	}
	forwarder := newMailForwarder(
		mailbox,
		b.notifier,
		&MailConfig{
			Enabled:      true,
			ChannelID:    "mail-channel",
			PollInterval: time.Minute,
		},
		b.logger,
	)

	ctx := context.Background()
	forwarder.poll(ctx)

	var jobs []NotificationJob
	require.NoError(t, b.db.Order("created_at").Find(&jobs).Error)
	require.Len(t, jobs, 2)
	assert.Equal(t, "mail-channel", jobs[0].Target)
	assert.Contains(t, jobs[0].Payload, "a@example.com")
	assert.Contains(t, jobs[1].Payload, "yo")

	// already-fetched mail isn't forwarded twice
	forwarder.poll(ctx)
	require.NoError(t, b.db.Find(&jobs).Error)
	assert.Len(t, jobs, 2)
}

func TestMailForwarderFetchErrorRetriedNextPoll(t *testing.T) {
	b := newTestBot(t)
	mailbox := &fakeMailbox{err: errors.New("imap down")}
	forwarder := newMailForwarder(
		mailbox,
		b.notifier,
		&MailConfig{ChannelID: "mail-channel", PollInterval: time.Minute},
		b.logger,
	)
	ctx := context.Background()

	forwarder.poll(ctx)
	var count int64
	require.NoError(t, b.db.Model(&NotificationJob{}).Count(&count).Error)
	assert.Zero(t, count)

	mailbox.err = nil
	mailbox.messages = []MailMessage{{ID: "mail-1", From: "a@example.com"}}
	forwarder.poll(ctx)
	require.NoError(t, b.db.Model(&NotificationJob{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHTTPMailbox(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(
					[]MailMessage{
						{ID: "mail-1", From: "a@example.com", Subject: "hi"},
					},
				)
			},
		),
	)
	defer server.Close()

	mailbox := newHTTPMailbox(server.URL)
	messages, err := mailbox.FetchUnseen(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "a@example.com", messages[0].From)
}

func TestHTTPMailboxServerError(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		),
	)
	defer server.Close()

	mailbox := newHTTPMailbox(server.URL)
	_, err := mailbox.FetchUnseen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
