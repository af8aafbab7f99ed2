package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/model"
)

// MemoryStore is a thread-safe in-memory Store used for tests and dev mode.
// It mirrors the concurrency semantics of the Postgres store: per-document
// atomicity, natural-key upserts, conditional notification insert and a
// compare-and-swap document version on services.
type MemoryStore struct {
	mu sync.RWMutex

	components      map[string]*model.Component
	componentByKey  map[string]string // name+"\x00"+version -> id
	services        map[string]*model.Service
	vulnerabilities map[string]*model.Vulnerability
	notifications   map[string]*model.Notification
	notifByDedupe   map[string]string // dedupe key -> id
	reports         map[string]*model.Report
	users           map[string]*model.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		components:      make(map[string]*model.Component),
		componentByKey:  make(map[string]string),
		services:        make(map[string]*model.Service),
		vulnerabilities: make(map[string]*model.Vulnerability),
		notifications:   make(map[string]*model.Notification),
		notifByDedupe:   make(map[string]string),
		reports:         make(map[string]*model.Report),
		users:           make(map[string]*model.User),
	}
}

func componentKey(name, version string) string {
	return name + "\x00" + version
}

// UpsertComponent creates the component on first observation of its
// (name, version) identity and returns the stored document on repeats.
func (s *MemoryStore) UpsertComponent(ctx context.Context, c *model.Component) (*model.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := componentKey(c.Name, c.Version)
	if id, ok := s.componentByKey[key]; ok {
		return s.components[id].Clone(), nil
	}
	stored := c.Clone()
	s.components[stored.ID] = stored
	s.componentByKey[key] = stored.ID
	return stored.Clone(), nil
}

func (s *MemoryStore) GetComponent(ctx context.Context, id string) (*model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[id]
	if !ok {
		return nil, errs.NotFound("component", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindComponent(ctx context.Context, name, version string) (*model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.componentByKey[componentKey(name, version)]
	if !ok {
		return nil, errs.NotFound("component", name+"@"+version)
	}
	return s.components[id].Clone(), nil
}

func (s *MemoryStore) ListComponents(ctx context.Context) ([]*model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateComponentCheck applies the version check result last-writer-wins.
func (s *MemoryStore) UpdateComponentCheck(ctx context.Context, id, latestVersion string, updateAvailable bool, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return errs.NotFound("component", id)
	}
	c.LatestVersion = latestVersion
	c.UpdateAvailable = updateAvailable
	c.LastChecked = checkedAt
	return nil
}

func (s *MemoryStore) CreateService(ctx context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.services {
		if existing.Name == svc.Name {
			return errs.Conflict("service", svc.Name)
		}
	}
	s.services[svc.ID] = svc.Clone()
	return nil
}

func (s *MemoryStore) GetService(ctx context.Context, id string) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, errs.NotFound("service", id)
	}
	return svc.Clone(), nil
}

func (s *MemoryStore) FindServiceByName(ctx context.Context, name string) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if svc.Name == name {
			return svc.Clone(), nil
		}
	}
	return nil, errs.NotFound("service", name)
}

func (s *MemoryStore) ListServices(ctx context.Context) ([]*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListServicesByComponent(ctx context.Context, componentID string) ([]*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Service
	for _, svc := range s.services {
		if svc.HasComponent(componentID) {
			out = append(out, svc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateService rewrites the whole service document if and only if the
// caller read the current document version; otherwise it fails with a
// ConflictError so the caller can reload and retry.
func (s *MemoryStore) UpdateService(ctx context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.services[svc.ID]
	if !ok {
		return errs.NotFound("service", svc.ID)
	}
	if stored.DocVersion != svc.DocVersion {
		return errs.Conflict("service", svc.ID)
	}
	svc.DocVersion++
	svc.UpdatedAt = time.Now().UTC()
	s.services[svc.ID] = svc.Clone()
	return nil
}

func (s *MemoryStore) CreateVulnerability(ctx context.Context, v *model.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vulnerabilities[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vulnerabilities[id]
	if !ok {
		return nil, errs.NotFound("vulnerability", id)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) FindVulnerabilityByCVE(ctx context.Context, cveID string) (*model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vulnerabilities {
		if v.CVEID != "" && v.CVEID == cveID {
			return v.Clone(), nil
		}
	}
	return nil, errs.NotFound("vulnerability", cveID)
}

func (s *MemoryStore) UpdateVulnerabilityStatus(ctx context.Context, id string, status model.VulnStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vulnerabilities[id]
	if !ok {
		return errs.NotFound("vulnerability", id)
	}
	v.Status = status
	return nil
}

// CreateNotificationIfAbsent inserts the notification unless one with the
// same deduplication key exists, returning the surviving document.
func (s *MemoryStore) CreateNotificationIfAbsent(ctx context.Context, n *model.Notification) (bool, *model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := n.DedupeKey()
	if id, ok := s.notifByDedupe[key]; ok {
		return false, s.notifications[id].Clone(), nil
	}
	stored := n.Clone()
	s.notifications[stored.ID] = stored
	s.notifByDedupe[key] = stored.ID
	return true, stored.Clone(), nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Notification
	for _, n := range s.notifications {
		if f.ServiceID != "" && n.ServiceID != f.ServiceID {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return errs.NotFound("notification", id)
	}
	n.Read = true
	return nil
}

func (s *MemoryStore) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, n := range s.notifications {
		if !n.ExpiresAt.IsZero() && n.ExpiresAt.Before(now) {
			delete(s.notifications, id)
			delete(s.notifByDedupe, n.DedupeKey())
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CreateReport(ctx context.Context, r *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, errs.NotFound("report", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errs.NotFound("user", id)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ListUsersByRole(ctx context.Context, roles ...model.Role) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.User
	for _, u := range s.users {
		for _, r := range roles {
			if u.Role == r {
				out = append(out, u.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListUsersOptedIn(ctx context.Context, t model.NotificationType) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.User
	for _, u := range s.users {
		if u.WantsNotification(t) {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
