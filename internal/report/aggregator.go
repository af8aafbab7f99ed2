// Package report builds immutable summary snapshots over a set of services.
// It is purely read-side: no re-evaluation logic, just tallies over the
// current derived state plus a deterministic recommendation rule table.
package report

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/store"
)

//go:embed rules.yaml
var rulesYAML []byte

// Rule is one recommendation rule from the table. Rules fire in file order
// so identical summaries always produce identical recommendation lists.
type Rule struct {
	ID        string         `yaml:"id"`
	Condition string         `yaml:"condition"`
	Threshold int            `yaml:"threshold"`
	Severity  model.Severity `yaml:"severity"`
	Message   string         `yaml:"message"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses the embedded recommendation rule table.
func LoadRules() ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(rulesYAML, &f); err != nil {
		return nil, fmt.Errorf("failed to parse recommendation rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("recommendation rule table is empty")
	}
	return f.Rules, nil
}

// Aggregator generates reports.
type Aggregator struct {
	store   store.Store
	rules   []Rule
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates a report aggregator with the embedded rule table.
func NewAggregator(st store.Store, m *metrics.Metrics, logger *slog.Logger) (*Aggregator, error) {
	rules, err := LoadRules()
	if err != nil {
		return nil, err
	}
	return &Aggregator{store: st, rules: rules, metrics: m, logger: logger}, nil
}

// Generate builds and persists a frozen report over the given services.
// Vulnerabilities are counted once per service association: a vulnerability
// shared by two services counts twice, because the report measures
// per-service risk exposure. Services that fail to resolve are skipped; the
// call fails with a ValidationError only when none resolve.
func (a *Aggregator) Generate(ctx context.Context, title string, serviceIDs []string, format string) (*model.Report, error) {
	if format == "" {
		format = "json"
	}
	if err := model.ValidateReportInput(title, serviceIDs, format); err != nil {
		return nil, err
	}

	var summary model.ReportSummary
	var resolved []string
	countedComponents := make(map[string]bool)

	for _, id := range serviceIDs {
		svc, err := a.store.GetService(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				a.logger.Warn("report references missing service, skipping", "service_id", id)
				continue
			}
			return nil, err
		}
		resolved = append(resolved, svc.ID)
		summary.TotalServices++

		switch svc.Status {
		case model.StatusSecure:
			summary.SecureServices++
		case model.StatusVulnerable:
			summary.VulnerableServices++
		case model.StatusOutdated:
			summary.OutdatedServices++
		default:
			summary.UnknownServices++
		}

		for _, compID := range svc.ComponentIDs {
			comp, err := a.store.GetComponent(ctx, compID)
			if err != nil {
				if errs.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			// Shared components count once across the whole report.
			if !countedComponents[comp.ID] {
				countedComponents[comp.ID] = true
				summary.TotalComponents++
				if comp.UpdateAvailable {
					summary.ComponentsWithUpdates++
				}
			}
		}

		for _, ref := range svc.Vulnerabilities {
			v, err := a.store.GetVulnerability(ctx, ref.VulnerabilityID)
			if err != nil {
				if errs.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			if v.Status != model.VulnOpen {
				continue
			}
			switch v.Severity {
			case model.SeverityCritical:
				summary.CriticalVulnerabilities++
			case model.SeverityHigh:
				summary.HighVulnerabilities++
			case model.SeverityMedium:
				summary.MediumVulnerabilities++
			case model.SeverityLow:
				summary.LowVulnerabilities++
			case model.SeverityInfo:
				summary.InfoVulnerabilities++
			}
		}
	}

	if len(resolved) == 0 {
		return nil, errs.Validationf("service_ids", "none of the requested services exist")
	}

	r := &model.Report{
		ID:              uuid.New().String(),
		Title:           title,
		Format:          format,
		ServiceIDs:      resolved,
		Summary:         summary,
		Recommendations: a.recommend(summary),
		GeneratedAt:     time.Now().UTC(),
	}
	if err := a.store.CreateReport(ctx, r); err != nil {
		return nil, err
	}

	a.metrics.ReportsGenerated.Inc()
	a.logger.Info("report generated",
		"report_id", r.ID,
		"services", summary.TotalServices,
		"vulnerable", summary.VulnerableServices,
		"recommendations", len(r.Recommendations))
	return r, nil
}

// recommend evaluates the rule table against the summary in fixed order.
func (a *Aggregator) recommend(s model.ReportSummary) []model.Recommendation {
	var out []model.Recommendation
	for _, rule := range a.rules {
		var value int
		switch rule.Condition {
		case "critical_vulnerabilities":
			value = s.CriticalVulnerabilities
		case "high_vulnerabilities":
			value = s.HighVulnerabilities
		case "vulnerable_services":
			value = s.VulnerableServices
		case "outdated_services":
			value = s.OutdatedServices
		case "components_with_updates":
			value = s.ComponentsWithUpdates
		case "always":
			if len(out) == 0 {
				out = append(out, model.Recommendation{
					RuleID:   rule.ID,
					Severity: rule.Severity,
					Message:  rule.Message,
				})
			}
			continue
		default:
			a.logger.Warn("unknown recommendation condition, skipping", "condition", rule.Condition)
			continue
		}
		if value >= rule.Threshold {
			out = append(out, model.Recommendation{
				RuleID:   rule.ID,
				Severity: rule.Severity,
				Message:  rule.Message,
			})
		}
	}
	return out
}

// Get loads a persisted report.
func (a *Aggregator) Get(ctx context.Context, id string) (*model.Report, error) {
	return a.store.GetReport(ctx, id)
}
