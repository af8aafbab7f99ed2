// Package updates checks components against a version source and fans the
// result out to every service referencing the component.
package updates

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
	"github.com/stackwatch/stackwatch/internal/version"
)

// VersionSource answers "what is the latest version of this component". It
// may be a real registry or a static lookup.
type VersionSource interface {
	LatestVersion(ctx context.Context, name string, typ model.ComponentType) (string, error)
}

// Result is the outcome of checking one component.
type Result struct {
	Component     *model.Component      `json:"component"`
	UpdateFound   bool                  `json:"update_found"`
	Degraded      bool                  `json:"degraded"`
	Notifications []*model.Notification `json:"notifications,omitempty"`
}

// BatchResult is the outcome of a check-all run. Per-item failures are
// isolated and counted, never fatal to the batch.
type BatchResult struct {
	Checked       int                   `json:"checked"`
	UpdatesFound  int                   `json:"updates_found"`
	Failed        int                   `json:"failed"`
	Notifications []*model.Notification `json:"notifications,omitempty"`
}

// Checker is the version check adapter.
type Checker struct {
	store       store.Store
	source      VersionSource
	reeval      *status.Reevaluator
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewChecker creates a version check adapter. concurrency bounds the
// parallelism of batch runs.
func NewChecker(st store.Store, source VersionSource, reeval *status.Reevaluator, concurrency int, m *metrics.Metrics, logger *slog.Logger) *Checker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Checker{
		store:       st,
		source:      source,
		reeval:      reeval,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// CheckComponentUpdate queries the version source for the component,
// persists the comparison result last-writer-wins, and re-evaluates every
// service referencing the component. A source failure degrades to "no
// update detected" for the component rather than erroring.
func (c *Checker) CheckComponentUpdate(ctx context.Context, componentID string) (*Result, error) {
	comp, err := c.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	c.metrics.VersionChecksTotal.Inc()

	res := &Result{}
	latest := comp.LatestVersion
	updateAvailable := false

	fetched, err := c.source.LatestVersion(ctx, comp.Name, comp.Type)
	if err != nil {
		c.metrics.UpstreamErrors.Inc()
		c.logger.Warn("version source unavailable, recording no update",
			"component", comp.Name, "version", comp.Version, "error", err)
		res.Degraded = true
	} else {
		latest = fetched
		// Malformed version strings fail closed inside IsNewer.
		updateAvailable = version.IsNewer(comp.Version, fetched)
	}

	now := time.Now().UTC()
	if err := c.store.UpdateComponentCheck(ctx, comp.ID, latest, updateAvailable, now); err != nil {
		return nil, err
	}
	comp.LatestVersion = latest
	comp.UpdateAvailable = updateAvailable
	comp.LastChecked = now
	res.Component = comp
	res.UpdateFound = updateAvailable

	if updateAvailable {
		c.metrics.UpdatesDetected.Inc()
		c.logger.Info("component update detected",
			"component", comp.Name,
			"current", comp.Version,
			"latest", latest)
	}

	// The component document is shared; every referencing service gets its
	// own re-evaluation. Failures here are isolated per service: the check
	// result itself already landed.
	services, err := c.store.ListServicesByComponent(ctx, comp.ID)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		r, err := c.reeval.Reevaluate(ctx, svc.ID, status.Cause{
			Trigger:     status.TriggerComponentUpdate,
			FactKind:    "update",
			FactID:      comp.ID,
			ComponentID: comp.ID,
		})
		if err != nil {
			c.metrics.BatchItemFailures.Inc()
			c.logger.Error("re-evaluation failed after version check",
				"service_id", svc.ID, "component_id", comp.ID, "error", err)
			continue
		}
		if r.Notification != nil {
			res.Notifications = append(res.Notifications, r.Notification)
		}
	}
	return res, nil
}

// CheckAllUpdates checks every known component with bounded parallelism.
// Each component is mutated independently; a failure partway leaves the
// already-checked components correctly updated.
func (c *Checker) CheckAllUpdates(ctx context.Context) (*BatchResult, error) {
	components, err := c.store.ListComponents(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	batch := &BatchResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, comp := range components {
		comp := comp
		g.Go(func() error {
			res, err := c.CheckComponentUpdate(gctx, comp.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failed++
				c.metrics.BatchItemFailures.Inc()
				c.logger.Error("component check failed, skipping",
					"component_id", comp.ID, "error", err)
				if errs.IsStore(err) && gctx.Err() != nil {
					// Cancellation; stop scheduling the remainder.
					return gctx.Err()
				}
				return nil
			}
			batch.Checked++
			if res.UpdateFound {
				batch.UpdatesFound++
			}
			batch.Notifications = append(batch.Notifications, res.Notifications...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}

	c.logger.Info("update check batch completed",
		"checked", batch.Checked,
		"updates_found", batch.UpdatesFound,
		"failed", batch.Failed)
	return batch, nil
}
