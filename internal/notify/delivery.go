package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/stackwatch/stackwatch/internal/model"
)

// SubjectPrefix is the NATS subject tree notifications are delivered on;
// the notification type is appended as the final token.
const SubjectPrefix = "stackwatch.notifications"

// delivery is the wire envelope published per notification.
type delivery struct {
	Notification *model.Notification `json:"notification"`
	Recipients   []string            `json:"recipients"`
}

// NATSDeliverer publishes notifications to a NATS subject per type.
type NATSDeliverer struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSDeliverer creates a NATS-backed deliverer.
func NewNATSDeliverer(conn *nats.Conn, logger *slog.Logger) *NATSDeliverer {
	return &NATSDeliverer{conn: conn, logger: logger}
}

// Deliver publishes the notification envelope. The context deadline is not
// consulted: NATS publishes are buffered writes, not request round trips.
func (d *NATSDeliverer) Deliver(ctx context.Context, n *model.Notification, recipients []string) error {
	data, err := json.Marshal(delivery{Notification: n, Recipients: recipients})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, n.Type)
	if err := d.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// LogDeliverer writes deliveries to the log, used when no channel is
// configured.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d *LogDeliverer) Deliver(ctx context.Context, n *model.Notification, recipients []string) error {
	d.Logger.Info("notification delivered",
		"notification_id", n.ID,
		"type", n.Type,
		"severity", n.Severity,
		"service_id", n.ServiceID,
		"recipients", len(recipients))
	return nil
}
