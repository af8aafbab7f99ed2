// Package notify turns re-evaluation decisions and vulnerability facts into
// persisted, deduplicated notifications and performs best-effort delivery.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
)

// Event is a notification-worthy fact with enough context to build the
// (service, factKind, factID) deduplication key.
type Event struct {
	ServiceID   string
	ServiceName string
	Type        model.NotificationType
	Severity    model.Severity
	FactKind    string
	FactID      string
	Title       string
	Message     string
}

// Directory resolves notification recipients.
type Directory interface {
	UsersWithRole(ctx context.Context, roles ...model.Role) ([]*model.User, error)
	UsersOptedIn(ctx context.Context, t model.NotificationType) ([]*model.User, error)
}

// StoreDirectory resolves recipients from the entity store.
type StoreDirectory struct {
	Store store.Store
}

func (d *StoreDirectory) UsersWithRole(ctx context.Context, roles ...model.Role) ([]*model.User, error) {
	return d.Store.ListUsersByRole(ctx, roles...)
}

func (d *StoreDirectory) UsersOptedIn(ctx context.Context, t model.NotificationType) ([]*model.User, error) {
	return d.Store.ListUsersOptedIn(ctx, t)
}

// Deliverer pushes a created notification to an external channel. Delivery
// is decoupled from persistence: a failure never rolls back creation.
type Deliverer interface {
	Deliver(ctx context.Context, n *model.Notification, recipients []string) error
}

// Dispatcher creates deduplicated notifications and delivers them
// best-effort. An LRU cache fronts the store's conditional insert so
// repeated dispatches of the same fact skip a round trip; the store key is
// still the source of truth.
type Dispatcher struct {
	store     store.Store
	directory Directory
	deliverer Deliverer
	recent    *lru.Cache[string, bool]
	ttl       time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher. cacheSize bounds the in-process
// dedupe fast path; ttl sets notification expiry.
func NewDispatcher(st store.Store, directory Directory, deliverer Deliverer, cacheSize int, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	recent, _ := lru.New[string, bool](cacheSize)
	return &Dispatcher{
		store:     st,
		directory: directory,
		deliverer: deliverer,
		recent:    recent,
		ttl:       ttl,
		logger:    logger,
		metrics:   m,
	}
}

// Dispatch creates a notification for the event unless one with the same
// deduplication key already exists. Returns the created notification, or
// nil when deduplicated or skipped for lack of recipients.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*model.Notification, error) {
	key := model.DedupeKey(ev.ServiceID, ev.FactKind, ev.FactID)
	if _, seen := d.recent.Get(key); seen {
		d.metrics.NotificationsDeduplicated.Inc()
		return nil, nil
	}

	recipients, broadcast, err := d.resolveRecipients(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !broadcast && len(recipients) == 0 {
		// Nobody opted in; nothing to create. An empty stored set would
		// read as "all privileged users", so skip instead.
		d.metrics.NotificationsSkipped.Inc()
		d.logger.Debug("no recipients for notification, skipping",
			"service_id", ev.ServiceID, "type", ev.Type)
		return nil, nil
	}

	now := time.Now().UTC()
	n := &model.Notification{
		ID:        uuid.New().String(),
		Type:      ev.Type,
		Severity:  ev.Severity,
		ServiceID: ev.ServiceID,
		FactKind:  ev.FactKind,
		FactID:    ev.FactID,
		Title:     ev.Title,
		Message:   ev.Message,
		CreatedAt: now,
		ExpiresAt: now.Add(d.ttl),
	}
	if !broadcast {
		n.Recipients = recipients
	}

	created, stored, err := d.store.CreateNotificationIfAbsent(ctx, n)
	if err != nil {
		return nil, err
	}
	d.recent.Add(key, true)
	if !created {
		d.metrics.NotificationsDeduplicated.Inc()
		d.logger.Debug("notification deduplicated",
			"service_id", ev.ServiceID, "fact_kind", ev.FactKind, "fact_id", ev.FactID)
		return nil, nil
	}
	d.metrics.NotificationsCreated.Inc()
	d.logger.Info("notification created",
		"notification_id", stored.ID,
		"service_id", ev.ServiceID,
		"type", ev.Type,
		"severity", ev.Severity,
		"fact_kind", ev.FactKind,
		"fact_id", ev.FactID)

	d.deliver(ctx, stored, broadcast)
	return stored, nil
}

// resolveRecipients applies the routing policy: critical and high severity
// go to all privileged users (stored as the empty set), anything else goes
// to users who opted in for the notification type.
func (d *Dispatcher) resolveRecipients(ctx context.Context, ev Event) ([]string, bool, error) {
	if ev.Severity.AtLeast(model.SeverityHigh) {
		return nil, true, nil
	}
	users, err := d.directory.UsersOptedIn(ctx, ev.Type)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve opted-in recipients: %w", err)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, false, nil
}

// deliver expands the recipient set and attempts delivery, retrying once.
// Failures are logged and counted, never propagated: the notification is
// already durable.
func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification, broadcast bool) {
	if d.deliverer == nil {
		return
	}
	recipients := n.Recipients
	if broadcast {
		users, err := d.directory.UsersWithRole(ctx, model.PrivilegedRoles...)
		if err != nil {
			d.logger.Error("failed to expand privileged recipients",
				"notification_id", n.ID, "error", err)
			d.metrics.DeliveryFailures.Inc()
			return
		}
		recipients = make([]string, 0, len(users))
		for _, u := range users {
			recipients = append(recipients, u.ID)
		}
	}

	err := d.deliverer.Deliver(ctx, n, recipients)
	if err != nil {
		d.logger.Warn("notification delivery failed, retrying once",
			"notification_id", n.ID, "error", err)
		err = d.deliverer.Deliver(ctx, n, recipients)
	}
	if err != nil {
		d.metrics.DeliveryFailures.Inc()
		d.logger.Error("notification delivery failed",
			"notification_id", n.ID, "error", err)
	}
}

// StatusChanged implements the re-evaluator's Notifier: it maps a status
// transition to a notification event keyed on the causing fact, so a direct
// vulnerability dispatch and the regression it causes collapse into one
// notification.
func (d *Dispatcher) StatusChanged(ctx context.Context, change status.Change) (*model.Notification, error) {
	ev := Event{
		ServiceID:   change.ServiceID,
		ServiceName: change.ServiceName,
	}
	switch change.Cause.FactKind {
	case "vulnerability":
		ev.Type = model.NotifyVulnerability
		ev.Severity = change.Cause.Severity
		ev.FactKind = "vulnerability"
		ev.FactID = change.Cause.FactID
		ev.Title = fmt.Sprintf("Service %s is vulnerable", change.ServiceName)
		ev.Message = fmt.Sprintf("Status changed from %s to %s after a vulnerability was observed.",
			change.Old, change.New)
	case "update":
		ev.Type = model.NotifyUpdate
		ev.Severity = model.SeverityLow
		ev.FactKind = "update"
		ev.FactID = change.Cause.FactID
		ev.Title = fmt.Sprintf("Update available for service %s", change.ServiceName)
		ev.Message = fmt.Sprintf("Status changed from %s to %s after a component update was observed.",
			change.Old, change.New)
	default:
		// No single causing fact (for example a scan that surfaced an
		// already-outdated component); key on the transition itself.
		ev.Type = model.NotifySystem
		ev.Severity = model.SeverityLow
		ev.FactKind = "status"
		ev.FactID = string(change.New)
		ev.Title = fmt.Sprintf("Service %s is %s", change.ServiceName, change.New)
		ev.Message = fmt.Sprintf("Status changed from %s to %s.", change.Old, change.New)
	}
	if change.Recovery() {
		ev.Type = model.NotifySystem
		ev.Severity = model.SeverityInfo
		ev.FactKind = "recovery"
		ev.FactID = fmt.Sprintf("%s@%d", change.New, change.At.Unix())
		ev.Title = fmt.Sprintf("Service %s recovered to %s", change.ServiceName, change.New)
		ev.Message = fmt.Sprintf("Status changed from %s to %s.", change.Old, change.New)
	}
	return d.Dispatch(ctx, ev)
}
