// Package vulns attaches vulnerabilities to service/component pairs, either
// pushed by a caller or pulled from a vulnerability source.
package vulns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
)

// Record is one vulnerability fact supplied by a caller or source.
type Record struct {
	CVEID            string         `json:"cve_id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Severity         model.Severity `json:"severity"`
	AffectedVersions []string       `json:"affected_versions,omitempty"`
}

// Source returns known vulnerabilities for a component, analogous to the
// version source.
type Source interface {
	Vulnerabilities(ctx context.Context, name, version string) ([]Record, error)
}

// Result is the outcome of recording one vulnerability.
type Result struct {
	Service       *model.Service        `json:"service"`
	Vulnerability *model.Vulnerability  `json:"vulnerability"`
	Notifications []*model.Notification `json:"notifications,omitempty"`
}

// ScanResult is the outcome of a pull-style component vulnerability scan.
type ScanResult struct {
	Recorded      int                   `json:"recorded"`
	Notifications []*model.Notification `json:"notifications,omitempty"`
}

// Ingestor is the vulnerability ingestion adapter.
type Ingestor struct {
	store      store.Store
	reeval     *status.Reevaluator
	dispatcher *notify.Dispatcher
	source     Source
	maxRetries int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewIngestor creates a vulnerability adapter. source may be nil when only
// push-style ingestion is used.
func NewIngestor(st store.Store, reeval *status.Reevaluator, dispatcher *notify.Dispatcher, source Source, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Ingestor{
		store:      st,
		reeval:     reeval,
		dispatcher: dispatcher,
		source:     source,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
	}
}

// RecordVulnerability attaches a vulnerability to a service/component pair
// and triggers a re-evaluation. Records carrying a CVE id are idempotent:
// repeats reuse the stored vulnerability, the association set-add is a
// no-op, and the notification deduplicates.
func (in *Ingestor) RecordVulnerability(ctx context.Context, serviceID, componentID string, rec Record) (*Result, error) {
	if err := model.ValidateVulnerabilityInput(rec.Title, rec.Severity); err != nil {
		return nil, err
	}

	svc, err := in.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.HasComponent(componentID) {
		return nil, errs.Validationf("component_id",
			"component %q is not associated with service %q", componentID, serviceID)
	}

	vuln, err := in.resolveVulnerability(ctx, rec)
	if err != nil {
		return nil, err
	}

	// Set-add the association under the service's document CAS.
	for attempt := 0; ; attempt++ {
		if svc.AddVulnerability(componentID, vuln.ID) {
			err = in.store.UpdateService(ctx, svc)
			if err == nil {
				break
			}
			if !errs.IsConflict(err) || attempt+1 >= in.maxRetries {
				return nil, err
			}
			svc, err = in.store.GetService(ctx, serviceID)
			if err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	in.metrics.VulnerabilitiesRecorded.Inc()
	in.logger.Info("vulnerability recorded",
		"service_id", serviceID,
		"component_id", componentID,
		"vulnerability_id", vuln.ID,
		"cve_id", vuln.CVEID,
		"severity", vuln.Severity)

	out := &Result{Vulnerability: vuln}

	// Every observed vulnerability is notification-worthy regardless of
	// whether it crosses the blocking threshold; the dedup key collapses
	// this with any regression notification the re-evaluation dispatches.
	n, err := in.dispatcher.Dispatch(ctx, notify.Event{
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		Type:        model.NotifyVulnerability,
		Severity:    vuln.Severity,
		FactKind:    "vulnerability",
		FactID:      vuln.ID,
		Title:       fmt.Sprintf("Vulnerability detected on service %s", svc.Name),
		Message:     vuln.Title,
	})
	if err != nil {
		in.logger.Error("failed to dispatch vulnerability notification",
			"service_id", serviceID, "vulnerability_id", vuln.ID, "error", err)
	} else if n != nil {
		out.Notifications = append(out.Notifications, n)
	}

	res, err := in.reeval.Reevaluate(ctx, serviceID, status.Cause{
		Trigger:  status.TriggerVulnerability,
		FactKind: "vulnerability",
		FactID:   vuln.ID,
		Severity: vuln.Severity,
	})
	if err != nil {
		return nil, err
	}
	out.Service = res.Service
	if res.Notification != nil {
		out.Notifications = append(out.Notifications, res.Notification)
	}
	return out, nil
}

// resolveVulnerability reuses the stored vulnerability for a known CVE id
// and creates a new record otherwise.
func (in *Ingestor) resolveVulnerability(ctx context.Context, rec Record) (*model.Vulnerability, error) {
	if rec.CVEID != "" {
		v, err := in.store.FindVulnerabilityByCVE(ctx, rec.CVEID)
		if err == nil {
			return v, nil
		}
		if !errs.IsNotFound(err) {
			return nil, err
		}
	}
	v := &model.Vulnerability{
		ID:               uuid.New().String(),
		CVEID:            rec.CVEID,
		Title:            rec.Title,
		Description:      rec.Description,
		Severity:         rec.Severity,
		Status:           model.VulnOpen,
		AffectedVersions: rec.AffectedVersions,
		DiscoveredAt:     time.Now().UTC(),
	}
	if err := in.store.CreateVulnerability(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ScanComponentVulnerabilities pulls records from the vulnerability source
// for one component of a service and records each through the same path as
// push-style ingestion. A source failure degrades to zero records.
func (in *Ingestor) ScanComponentVulnerabilities(ctx context.Context, serviceID, componentID string) (*ScanResult, error) {
	if in.source == nil {
		return nil, errs.Upstream("vulnerability source", fmt.Errorf("no source configured"))
	}
	comp, err := in.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}

	records, err := in.source.Vulnerabilities(ctx, comp.Name, comp.Version)
	if err != nil {
		in.metrics.UpstreamErrors.Inc()
		in.logger.Warn("vulnerability source unavailable",
			"component", comp.Name, "version", comp.Version, "error", err)
		return &ScanResult{}, nil
	}

	out := &ScanResult{}
	for _, rec := range records {
		res, err := in.RecordVulnerability(ctx, serviceID, componentID, rec)
		if err != nil {
			in.metrics.BatchItemFailures.Inc()
			in.logger.Error("failed to record vulnerability, skipping",
				"service_id", serviceID, "component_id", componentID,
				"cve_id", rec.CVEID, "error", err)
			continue
		}
		out.Recorded++
		out.Notifications = append(out.Notifications, res.Notifications...)
	}
	return out, nil
}

// UpdateVulnerabilityStatus transitions a vulnerability's remediation state
// and re-evaluates every service referencing it, since closing a blocking
// vulnerability can recover a service.
func (in *Ingestor) UpdateVulnerabilityStatus(ctx context.Context, vulnerabilityID string, newStatus model.VulnStatus) error {
	switch newStatus {
	case model.VulnOpen, model.VulnFixed, model.VulnMitigated, model.VulnFalsePositive, model.VulnWontFix:
	default:
		return errs.Validationf("status", "unknown vulnerability status %q", newStatus)
	}
	if err := in.store.UpdateVulnerabilityStatus(ctx, vulnerabilityID, newStatus); err != nil {
		return err
	}

	services, err := in.store.ListServices(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		referenced := false
		for _, ref := range svc.Vulnerabilities {
			if ref.VulnerabilityID == vulnerabilityID {
				referenced = true
				break
			}
		}
		if !referenced {
			continue
		}
		if _, err := in.reeval.Reevaluate(ctx, svc.ID, status.Cause{
			Trigger:  status.TriggerVulnerability,
			FactKind: "vulnerability",
			FactID:   vulnerabilityID,
		}); err != nil {
			in.metrics.BatchItemFailures.Inc()
			in.logger.Error("re-evaluation failed after vulnerability status change",
				"service_id", svc.ID, "vulnerability_id", vulnerabilityID, "error", err)
		}
	}
	return nil
}
