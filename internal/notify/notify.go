// Package notify delivers outbound messages: thread replies over the event
// transport and escalation email to channel owners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/logging"
)

// Message is one outbound thread reply. UpdateOf carries the transport
// timestamp of a previously posted message when the reply replaces it, for
// example a progress message updated in place.
type Message struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Text      string `json:"text"`
	UpdateOf  string `json:"update_of,omitempty"`
}

// Notifier posts replies into conversation threads.
type Notifier interface {
	Post(ctx context.Context, msg Message) error
}

// NATSNotifier publishes thread replies on per-channel subjects. The chat
// gateway subscribed to those subjects performs the actual delivery.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSNotifier wires the notifier to an established connection.
func NewNATSNotifier(conn *nats.Conn, subjectPrefix string, logger *logging.Logger) *NATSNotifier {
	return &NATSNotifier{
		conn:   conn,
		prefix: subjectPrefix,
		logger: logger.Named("notify"),
	}
}

// Post publishes the message on <prefix>.<channel_id>.
func (n *NATSNotifier) Post(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", n.prefix, msg.ChannelID)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error(ctx, "failed to publish notification",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debug(ctx, "notification published",
		zap.String("subject", subject),
		zap.Int("bytes", len(data)))
	return nil
}
