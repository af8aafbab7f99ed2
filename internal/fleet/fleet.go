// Package fleet manages the registry of tracked services and notification
// recipients.
package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/store"
)

// Registry creates and reads services and users.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates a fleet registry.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{store: st, logger: logger}
}

// CreateService registers a service in the unknown initial status. Names
// are unique; a duplicate fails with a ConflictError.
func (r *Registry) CreateService(ctx context.Context, name, description string) (*model.Service, error) {
	if err := model.ValidateServiceName(name); err != nil {
		return nil, err
	}
	svc := &model.Service{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      model.StatusUnknown,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateService(ctx, svc); err != nil {
		return nil, err
	}
	r.logger.Info("service registered", "service_id", svc.ID, "service", name)
	return svc, nil
}

// GetService loads a service by id.
func (r *Registry) GetService(ctx context.Context, id string) (*model.Service, error) {
	return r.store.GetService(ctx, id)
}

// ListServices lists all tracked services.
func (r *Registry) ListServices(ctx context.Context) ([]*model.Service, error) {
	return r.store.ListServices(ctx)
}

// CreateUser registers a notification recipient.
func (r *Registry) CreateUser(ctx context.Context, name, email string, role model.Role, prefs map[model.NotificationType]bool) (*model.User, error) {
	if err := model.ValidateUserInput(name, role); err != nil {
		return nil, err
	}
	u := &model.User{
		ID:          uuid.New().String(),
		Name:        name,
		Email:       email,
		Role:        role,
		Preferences: prefs,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	r.logger.Info("user registered", "user_id", u.ID, "role", role)
	return u, nil
}
