// Package store defines the entity store the pipeline shares. Every call is
// atomic at the single-document level; no multi-document transactions are
// assumed. Mutations are designed idempotent: upserts by natural key, set-add
// for associations, conditional insert for notifications, and a
// compare-and-swap document version for services.
package store

import (
	"context"
	"time"

	"github.com/stackwatch/stackwatch/internal/model"
)

// NotificationFilter narrows a notification listing. Zero values match all.
type NotificationFilter struct {
	ServiceID  string
	Type       model.NotificationType
	UnreadOnly bool
}

// Store is the shared durable state behind every pipeline stage.
type Store interface {
	// Components. Identity is the (name, version) pair; UpsertComponent
	// creates on first observation and returns the stored document on
	// repeats. UpdateComponentCheck is last-writer-wins on the version
	// check fields only.
	UpsertComponent(ctx context.Context, c *model.Component) (*model.Component, error)
	GetComponent(ctx context.Context, id string) (*model.Component, error)
	FindComponent(ctx context.Context, name, version string) (*model.Component, error)
	ListComponents(ctx context.Context) ([]*model.Component, error)
	UpdateComponentCheck(ctx context.Context, id, latestVersion string, updateAvailable bool, checkedAt time.Time) error

	// Services. UpdateService compares the document version of the passed
	// aggregate against the stored one and fails with a ConflictError on
	// mismatch; on success the whole document is rewritten and the version
	// incremented (reflected on the passed value).
	CreateService(ctx context.Context, s *model.Service) error
	GetService(ctx context.Context, id string) (*model.Service, error)
	FindServiceByName(ctx context.Context, name string) (*model.Service, error)
	ListServices(ctx context.Context) ([]*model.Service, error)
	ListServicesByComponent(ctx context.Context, componentID string) ([]*model.Service, error)
	UpdateService(ctx context.Context, s *model.Service) error

	// Vulnerabilities. FindVulnerabilityByCVE returns NotFoundError when no
	// record carries the CVE id.
	CreateVulnerability(ctx context.Context, v *model.Vulnerability) error
	GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error)
	FindVulnerabilityByCVE(ctx context.Context, cveID string) (*model.Vulnerability, error)
	UpdateVulnerabilityStatus(ctx context.Context, id string, status model.VulnStatus) error

	// Notifications. CreateNotificationIfAbsent is the conditional insert
	// keyed on the deduplication key; it reports whether a document was
	// created and returns the surviving one either way.
	CreateNotificationIfAbsent(ctx context.Context, n *model.Notification) (created bool, stored *model.Notification, err error)
	ListNotifications(ctx context.Context, f NotificationFilter) ([]*model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error)

	// Reports are immutable after creation.
	CreateReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)

	// Users back recipient resolution.
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsersByRole(ctx context.Context, roles ...model.Role) ([]*model.User, error)
	ListUsersOptedIn(ctx context.Context, t model.NotificationType) ([]*model.User, error)

	// Ping reports store reachability for readiness checks.
	Ping(ctx context.Context) error
	Close() error
}
