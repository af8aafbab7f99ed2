package report

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	a, err := NewAggregator(st, metrics.NewWith(prometheus.NewRegistry()), slog.Default())
	require.NoError(t, err)
	return a, st
}

// seedFleet creates one vulnerable service carrying two open critical
// vulnerabilities and one secure service, sharing no components.
func seedFleet(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	express, err := st.UpsertComponent(ctx, &model.Component{
		ID: "c-express", Name: "Express", Version: "4.16.0", Type: model.ComponentFramework,
	})
	require.NoError(t, err)
	redis, err := st.UpsertComponent(ctx, &model.Component{
		ID: "c-redis", Name: "Redis", Version: "7.2.0", Type: model.ComponentDatabase,
	})
	require.NoError(t, err)

	for i, id := range []string{"v-1", "v-2"} {
		require.NoError(t, st.CreateVulnerability(ctx, &model.Vulnerability{
			ID: id, CVEID: fmt.Sprintf("CVE-2024-000%d", i+1),
			Severity: model.SeverityCritical, Status: model.VulnOpen,
		}))
	}

	require.NoError(t, st.CreateService(ctx, &model.Service{
		ID: "svc-orders", Name: "orders-api", Status: model.StatusVulnerable,
		ComponentIDs: []string{express.ID},
		Vulnerabilities: []model.VulnerabilityRef{
			{ComponentID: express.ID, VulnerabilityID: "v-1"},
			{ComponentID: express.ID, VulnerabilityID: "v-2"},
		},
		LastScan: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateService(ctx, &model.Service{
		ID: "svc-billing", Name: "billing-api", Status: model.StatusSecure,
		ComponentIDs: []string{redis.ID},
		LastScan:     time.Now().UTC(),
	}))
}

func TestGenerate_SummaryAndRecommendations(t *testing.T) {
	a, st := newTestAggregator(t)
	seedFleet(t, st)

	r, err := a.Generate(context.Background(), "Quarterly security report",
		[]string{"svc-orders", "svc-billing"}, "json")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Summary.TotalServices)
	assert.Equal(t, 1, r.Summary.VulnerableServices)
	assert.Equal(t, 1, r.Summary.SecureServices)
	assert.Equal(t, 2, r.Summary.CriticalVulnerabilities)
	assert.Equal(t, 2, r.Summary.TotalComponents)

	require.NotEmpty(t, r.Recommendations)
	assert.Equal(t, "fix-critical-immediately", r.Recommendations[0].RuleID)
	assert.Equal(t, model.SeverityCritical, r.Recommendations[0].Severity)
}

func TestGenerate_Deterministic(t *testing.T) {
	a, st := newTestAggregator(t)
	seedFleet(t, st)
	ctx := context.Background()

	r1, err := a.Generate(ctx, "Report A", []string{"svc-orders", "svc-billing"}, "json")
	require.NoError(t, err)
	r2, err := a.Generate(ctx, "Report B", []string{"svc-orders", "svc-billing"}, "json")
	require.NoError(t, err)

	assert.Equal(t, r1.Summary, r2.Summary)
	assert.Equal(t, r1.Recommendations, r2.Recommendations)
}

func TestGenerate_CleanFleetNoActionRequired(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()
	require.NoError(t, st.CreateService(ctx, &model.Service{
		ID: "svc-1", Name: "orders-api", Status: model.StatusSecure, LastScan: time.Now().UTC(),
	}))

	r, err := a.Generate(ctx, "Clean report", []string{"svc-1"}, "json")
	require.NoError(t, err)

	require.Len(t, r.Recommendations, 1)
	assert.Equal(t, "no-action-required", r.Recommendations[0].RuleID)
}

func TestGenerate_ClosedVulnerabilitiesExcluded(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateVulnerability(ctx, &model.Vulnerability{
		ID: "v-fixed", Severity: model.SeverityCritical, Status: model.VulnFixed,
	}))
	require.NoError(t, st.CreateService(ctx, &model.Service{
		ID: "svc-1", Name: "orders-api", Status: model.StatusSecure,
		Vulnerabilities: []model.VulnerabilityRef{{ComponentID: "c-1", VulnerabilityID: "v-fixed"}},
		LastScan:        time.Now().UTC(),
	}))

	r, err := a.Generate(ctx, "Report", []string{"svc-1"}, "json")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Summary.CriticalVulnerabilities)
	assert.Equal(t, "no-action-required", r.Recommendations[0].RuleID)
}

func TestGenerate_SharedVulnerabilityCountsPerService(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateVulnerability(ctx, &model.Vulnerability{
		ID: "v-shared", Severity: model.SeverityHigh, Status: model.VulnOpen,
	}))
	for _, id := range []string{"svc-a", "svc-b"} {
		require.NoError(t, st.CreateService(ctx, &model.Service{
			ID: id, Name: id, Status: model.StatusVulnerable,
			Vulnerabilities: []model.VulnerabilityRef{{ComponentID: "c-1", VulnerabilityID: "v-shared"}},
			LastScan:        time.Now().UTC(),
		}))
	}

	r, err := a.Generate(ctx, "Report", []string{"svc-a", "svc-b"}, "json")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Summary.HighVulnerabilities)
}

func TestGenerate_MissingServicesSkipped(t *testing.T) {
	a, st := newTestAggregator(t)
	seedFleet(t, st)

	r, err := a.Generate(context.Background(), "Report",
		[]string{"svc-orders", "svc-ghost"}, "json")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Summary.TotalServices)
	assert.Equal(t, []string{"svc-orders"}, r.ServiceIDs)
}

func TestGenerate_ValidationFailures(t *testing.T) {
	a, st := newTestAggregator(t)
	seedFleet(t, st)
	ctx := context.Background()

	_, err := a.Generate(ctx, "Report", nil, "json")
	assert.True(t, errs.IsValidation(err))

	_, err = a.Generate(ctx, "Report", []string{"svc-orders"}, "pdf")
	assert.True(t, errs.IsValidation(err))

	_, err = a.Generate(ctx, "Report", []string{"svc-ghost"}, "json")
	assert.True(t, errs.IsValidation(err))
}

func TestGenerate_ReportIsFrozen(t *testing.T) {
	a, st := newTestAggregator(t)
	seedFleet(t, st)
	ctx := context.Background()

	r, err := a.Generate(ctx, "Report", []string{"svc-orders", "svc-billing"}, "json")
	require.NoError(t, err)

	// Later state changes must not leak into the stored snapshot.
	require.NoError(t, st.UpdateVulnerabilityStatus(ctx, "v-1", model.VulnFixed))
	require.NoError(t, st.UpdateVulnerabilityStatus(ctx, "v-2", model.VulnFixed))

	stored, err := a.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Summary.CriticalVulnerabilities)
	assert.Equal(t, "fix-critical-immediately", stored.Recommendations[0].RuleID)
}

func TestGet_NotFound(t *testing.T) {
	a, _ := newTestAggregator(t)
	_, err := a.Get(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))
}
