// Package scan ingests stack scan results: the components observed on a
// service. Repeating a scan with the same component list is a no-op beyond
// the lastScan timestamp.
package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
)

// DiscoveredComponent is one component reported by a scanner.
type DiscoveredComponent struct {
	Name    string              `json:"name"`
	Version string              `json:"version"`
	Type    model.ComponentType `json:"type"`
}

// Result is the outcome of one scan ingestion.
type Result struct {
	Service       *model.Service        `json:"service"`
	Components    []*model.Component    `json:"components"`
	Notifications []*model.Notification `json:"notifications,omitempty"`
}

// Scanner applies stack scan facts to the store and requests a status
// re-evaluation.
type Scanner struct {
	store      store.Store
	reeval     *status.Reevaluator
	maxRetries int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewScanner creates a scan adapter.
func NewScanner(st store.Store, reeval *status.Reevaluator, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Scanner{store: st, reeval: reeval, maxRetries: maxRetries, metrics: m, logger: logger}
}

// ScanService upserts every discovered component by its (name, version)
// identity, associates it with the service with set semantics, stamps
// lastScan and triggers a re-evaluation. Idempotent: scanning the same list
// twice creates no duplicate components or associations.
func (s *Scanner) ScanService(ctx context.Context, serviceID string, discovered []DiscoveredComponent) (*Result, error) {
	for _, dc := range discovered {
		if err := model.ValidateComponentInput(dc.Name, dc.Version, dc.Type); err != nil {
			return nil, err
		}
	}

	components := make([]*model.Component, 0, len(discovered))
	for _, dc := range discovered {
		c, err := s.store.UpsertComponent(ctx, &model.Component{
			ID:        uuid.New().String(),
			Name:      dc.Name,
			Version:   dc.Version,
			Type:      dc.Type,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		components = append(components, c)
		s.metrics.ComponentsObserved.Inc()
	}

	// Association update races with concurrent re-evaluations for the same
	// service; reload and re-apply the set-adds on conflict.
	var svc *model.Service
	for attempt := 0; ; attempt++ {
		var err error
		svc, err = s.store.GetService(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		for _, c := range components {
			svc.AddComponent(c.ID)
		}
		svc.LastScan = time.Now().UTC()
		err = s.store.UpdateService(ctx, svc)
		if err == nil {
			break
		}
		if !errs.IsConflict(err) || attempt+1 >= s.maxRetries {
			return nil, err
		}
	}

	s.metrics.ScansTotal.Inc()
	s.logger.Info("stack scan ingested",
		"service_id", serviceID,
		"service", svc.Name,
		"components", len(components))

	res, err := s.reeval.Reevaluate(ctx, serviceID, status.Cause{
		Trigger: status.TriggerScanCompleted,
	})
	if err != nil {
		return nil, err
	}

	out := &Result{Service: res.Service, Components: components}
	if res.Notification != nil {
		out.Notifications = append(out.Notifications, res.Notification)
	}
	return out, nil
}
