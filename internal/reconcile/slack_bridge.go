package reconcile

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackBridge adapts *slack.Client to the Bridge interface. Thread is
// passed as a thread-timestamp when replying within a Slack thread.
type SlackBridge struct {
	client *slack.Client
}

// NewSlackBridge wraps an authenticated Slack client.
func NewSlackBridge(token string) *SlackBridge {
	return &SlackBridge{client: slack.New(token)}
}

// Send posts text to channel, threaded under thread when non-empty.
func (b *SlackBridge) Send(ctx context.Context, channel, thread, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	_, _, err := b.client.PostMessageContext(ctx, channel, opts...)
	return err
}
