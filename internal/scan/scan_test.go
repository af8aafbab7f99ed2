package scan

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
)

func newTestScanner(t *testing.T) (*Scanner, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	m := metrics.NewWith(prometheus.NewRegistry())
	logger := slog.Default()
	dispatcher := notify.NewDispatcher(st, &notify.StoreDirectory{Store: st}, nil, 128, 0, m, logger)
	reeval := status.NewReevaluator(st, dispatcher, nil, 3, false, m, logger)
	return NewScanner(st, reeval, 3, m, logger), st
}

func seedService(t *testing.T, st store.Store) *model.Service {
	t.Helper()
	svc := &model.Service{ID: "svc-1", Name: "orders-api", Status: model.StatusUnknown}
	require.NoError(t, st.CreateService(context.Background(), svc))
	return svc
}

func TestScanService_CreatesComponentsAndSecures(t *testing.T) {
	s, st := newTestScanner(t)
	ctx := context.Background()
	seedService(t, st)

	res, err := s.ScanService(ctx, "svc-1", []DiscoveredComponent{
		{Name: "Node.js", Version: "16.14.0", Type: model.ComponentLanguage},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusSecure, res.Service.Status)
	assert.False(t, res.Service.LastScan.IsZero())
	require.Len(t, res.Components, 1)
	assert.Equal(t, "Node.js", res.Components[0].Name)
	assert.Len(t, res.Service.ComponentIDs, 1)
}

func TestScanService_Idempotent(t *testing.T) {
	s, st := newTestScanner(t)
	ctx := context.Background()
	seedService(t, st)

	components := []DiscoveredComponent{
		{Name: "Node.js", Version: "16.14.0", Type: model.ComponentLanguage},
		{Name: "Express", Version: "4.18.2", Type: model.ComponentFramework},
	}
	first, err := s.ScanService(ctx, "svc-1", components)
	require.NoError(t, err)
	second, err := s.ScanService(ctx, "svc-1", components)
	require.NoError(t, err)

	// No duplicate component documents and no duplicate associations.
	all, err := st.ListComponents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, second.Service.ComponentIDs, 2)
	assert.ElementsMatch(t, first.Service.ComponentIDs, second.Service.ComponentIDs)
}

func TestScanService_DifferentVersionIsNewComponent(t *testing.T) {
	s, st := newTestScanner(t)
	ctx := context.Background()
	seedService(t, st)

	_, err := s.ScanService(ctx, "svc-1", []DiscoveredComponent{
		{Name: "Node.js", Version: "16.14.0", Type: model.ComponentLanguage},
	})
	require.NoError(t, err)
	res, err := s.ScanService(ctx, "svc-1", []DiscoveredComponent{
		{Name: "Node.js", Version: "18.15.0", Type: model.ComponentLanguage},
	})
	require.NoError(t, err)

	// (name, version) is the identity: two versions are two components.
	all, err := st.ListComponents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, res.Service.ComponentIDs, 2)
}

func TestScanService_UnknownService(t *testing.T) {
	s, _ := newTestScanner(t)
	_, err := s.ScanService(context.Background(), "missing", []DiscoveredComponent{
		{Name: "Node.js", Version: "16.14.0", Type: model.ComponentLanguage},
	})
	assert.True(t, errs.IsNotFound(err))
}

func TestScanService_RejectsMalformedInput(t *testing.T) {
	s, st := newTestScanner(t)
	seedService(t, st)

	_, err := s.ScanService(context.Background(), "svc-1", []DiscoveredComponent{
		{Name: "", Version: "1.0.0", Type: model.ComponentLibrary},
	})
	assert.True(t, errs.IsValidation(err))

	_, err = s.ScanService(context.Background(), "svc-1", []DiscoveredComponent{
		{Name: "Express", Version: "4.18.2", Type: "gadget"},
	})
	assert.True(t, errs.IsValidation(err))

	// Nothing was written before the validation failure surfaced.
	all, err := st.ListComponents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
