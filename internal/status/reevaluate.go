// Package status recomputes the derived security status of a service from
// its current component and open-vulnerability associations, and decides
// whether a transition is notification-worthy.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/store"
)

// Trigger names the kind of fact that requested a re-evaluation.
type Trigger string

const (
	TriggerScanCompleted   Trigger = "scan_completed"
	TriggerComponentUpdate Trigger = "component_update_observed"
	TriggerVulnerability   Trigger = "vulnerability_observed"
)

// BlockingSeverity is the policy threshold: only open vulnerabilities at
// this severity or above mark a service vulnerable. Lower severities still
// produce notifications but never flip the derived status.
const BlockingSeverity = model.SeverityMedium

// Cause carries the fact behind a re-evaluation, enough for the dispatcher
// to build a deduplication key.
type Cause struct {
	Trigger     Trigger        `json:"trigger"`
	FactKind    string         `json:"fact_kind,omitempty"`
	FactID      string         `json:"fact_id,omitempty"`
	ComponentID string         `json:"component_id,omitempty"`
	Severity    model.Severity `json:"severity,omitempty"`
}

// Change describes one service status transition.
type Change struct {
	ServiceID   string              `json:"service_id"`
	ServiceName string              `json:"service_name"`
	Old         model.ServiceStatus `json:"old_status"`
	New         model.ServiceStatus `json:"new_status"`
	Cause       Cause               `json:"cause"`
	At          time.Time           `json:"at"`
}

// Regression reports whether the transition moved the service to a less
// safe state. Only secure->vulnerable, secure->outdated and
// outdated->vulnerable are regressions; transitions out of unknown are
// initial population, and recoveries are handled by policy.
func (c Change) Regression() bool {
	switch {
	case c.Old == model.StatusSecure && c.New == model.StatusVulnerable:
		return true
	case c.Old == model.StatusSecure && c.New == model.StatusOutdated:
		return true
	case c.Old == model.StatusOutdated && c.New == model.StatusVulnerable:
		return true
	}
	return false
}

// Recovery reports whether the transition moved the service to a safer
// state.
func (c Change) Recovery() bool {
	rank := map[model.ServiceStatus]int{
		model.StatusSecure:     0,
		model.StatusUnknown:    1,
		model.StatusOutdated:   2,
		model.StatusVulnerable: 3,
	}
	return rank[c.New] < rank[c.Old] && c.Old != model.StatusUnknown
}

// Notifier is the dispatcher-facing side of a status change.
type Notifier interface {
	StatusChanged(ctx context.Context, change Change) (*model.Notification, error)
}

// Publisher publishes status change events for external consumers.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StatusSubject is the event subject status changes are published on.
const StatusSubject = "stackwatch.status.changed"

// Result is the outcome of one re-evaluation.
type Result struct {
	Service      *model.Service
	Change       *Change
	Notification *model.Notification
}

// Reevaluator serializes per-service status recomputation. Concurrent
// re-evaluations for the same service queue on a keyed mutex and the write
// is a compare-and-swap on the service document version, retried on
// conflict up to a small bound; distinct services run fully in parallel.
type Reevaluator struct {
	store            store.Store
	notifier         Notifier
	publisher        Publisher
	logger           *slog.Logger
	metrics          *metrics.Metrics
	maxRetries       int
	notifyOnRecovery bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReevaluator creates a re-evaluator. The publisher may be nil when no
// event bus is configured.
func NewReevaluator(st store.Store, notifier Notifier, publisher Publisher, maxRetries int, notifyOnRecovery bool, m *metrics.Metrics, logger *slog.Logger) *Reevaluator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Reevaluator{
		store:            st,
		notifier:         notifier,
		publisher:        publisher,
		logger:           logger,
		metrics:          m,
		maxRetries:       maxRetries,
		notifyOnRecovery: notifyOnRecovery,
		locks:            make(map[string]*sync.Mutex),
	}
}

func (r *Reevaluator) serviceLock(serviceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[serviceID] = l
	}
	return l
}

// Reevaluate recomputes the service status from its current associations
// and persists the transition if it changed. Fails with NotFoundError when
// the service does not exist and with ConflictError when the bounded
// compare-and-swap retries are exhausted.
func (r *Reevaluator) Reevaluate(ctx context.Context, serviceID string, cause Cause) (*Result, error) {
	lock := r.serviceLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	r.metrics.ReevaluationsTotal.Inc()

	var svc *model.Service
	var change *Change
	for attempt := 0; ; attempt++ {
		var err error
		svc, err = r.store.GetService(ctx, serviceID)
		if err != nil {
			return nil, err
		}

		newStatus, err := r.computeStatus(ctx, svc)
		if err != nil {
			return nil, err
		}
		if newStatus == svc.Status {
			return &Result{Service: svc}, nil
		}

		old := svc.Status
		svc.Status = newStatus
		err = r.store.UpdateService(ctx, svc)
		if err == nil {
			change = &Change{
				ServiceID:   svc.ID,
				ServiceName: svc.Name,
				Old:         old,
				New:         newStatus,
				Cause:       cause,
				At:          time.Now().UTC(),
			}
			break
		}
		if !errs.IsConflict(err) {
			return nil, err
		}
		r.metrics.ReevaluationConflicts.Inc()
		if attempt+1 >= r.maxRetries {
			r.logger.Error("status re-evaluation retries exhausted",
				"service_id", serviceID, "attempts", attempt+1)
			return nil, err
		}
	}

	r.metrics.StatusTransitions.WithLabelValues(string(change.Old), string(change.New)).Inc()
	r.logger.Info("service status changed",
		"service_id", change.ServiceID,
		"service", change.ServiceName,
		"old_status", change.Old,
		"new_status", change.New,
		"trigger", change.Cause.Trigger)

	r.publishChange(change)

	result := &Result{Service: svc, Change: change}
	switch {
	case change.Regression():
		n, err := r.notifier.StatusChanged(ctx, *change)
		if err != nil {
			// The status write already landed; a dispatch failure must not
			// undo it. Surfaced in logs and metrics only.
			r.logger.Error("failed to dispatch status change notification",
				"service_id", serviceID, "error", err)
		} else {
			result.Notification = n
		}
	case change.Recovery():
		r.logger.Info("service status recovered",
			"service_id", change.ServiceID, "new_status", change.New)
		if r.notifyOnRecovery {
			n, err := r.notifier.StatusChanged(ctx, *change)
			if err != nil {
				r.logger.Error("failed to dispatch recovery notification",
					"service_id", serviceID, "error", err)
			} else {
				result.Notification = n
			}
		}
	}
	return result, nil
}

func (r *Reevaluator) publishChange(change *Change) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(change)
	if err != nil {
		r.logger.Error("failed to encode status change event", "error", err)
		return
	}
	if err := r.publisher.Publish(StatusSubject, data); err != nil {
		r.logger.Warn("failed to publish status change event", "error", err)
	}
}

// computeStatus applies the derivation rules to the service's current
// associations: vulnerable when any open vulnerability at or above the
// blocking severity exists, else outdated when any associated component has
// an update available, else unknown before the first scan, else secure.
func (r *Reevaluator) computeStatus(ctx context.Context, svc *model.Service) (model.ServiceStatus, error) {
	for _, ref := range svc.Vulnerabilities {
		v, err := r.store.GetVulnerability(ctx, ref.VulnerabilityID)
		if err != nil {
			if errs.IsNotFound(err) {
				// Dangling reference, skip rather than block the pipeline.
				r.logger.Warn("service references missing vulnerability",
					"service_id", svc.ID, "vulnerability_id", ref.VulnerabilityID)
				continue
			}
			return "", err
		}
		if v.Status == model.VulnOpen && v.Severity.AtLeast(BlockingSeverity) {
			return model.StatusVulnerable, nil
		}
	}

	for _, id := range svc.ComponentIDs {
		c, err := r.store.GetComponent(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				r.logger.Warn("service references missing component",
					"service_id", svc.ID, "component_id", id)
				continue
			}
			return "", err
		}
		if c.UpdateAvailable {
			return model.StatusOutdated, nil
		}
	}

	if svc.LastScan.IsZero() {
		return model.StatusUnknown, nil
	}
	return model.StatusSecure, nil
}
