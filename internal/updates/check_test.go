package updates

import (
	"context"
	"log/slog"
	"testing"
	"time"

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

func newTestChecker(t *testing.T, source VersionSource) (*Checker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	m := metrics.NewWith(prometheus.NewRegistry())
	logger := slog.Default()
	dispatcher := notify.NewDispatcher(st, &notify.StoreDirectory{Store: st}, nil, 128, time.Hour, m, logger)
	reeval := status.NewReevaluator(st, dispatcher, nil, 3, false, m, logger)
	return NewChecker(st, source, reeval, 4, m, logger), st
}

// seedScannedService creates a secure service referencing one component.
func seedScannedService(t *testing.T, st store.Store, name, version string) (*model.Service, *model.Component) {
	t.Helper()
	ctx := context.Background()
	comp, err := st.UpsertComponent(ctx, &model.Component{
		ID: "c-" + name, Name: name, Version: version, Type: model.ComponentLanguage,
	})
	require.NoError(t, err)
	svc := &model.Service{
		ID:           "svc-orders",
		Name:         "orders-api",
		Status:       model.StatusSecure,
		ComponentIDs: []string{comp.ID},
		LastScan:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateService(ctx, svc))
	return svc, comp
}

func seedUpdateSubscriber(t *testing.T, st store.Store) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{
		ID: "u-dev", Role: model.RoleDeveloper,
		Preferences: map[model.NotificationType]bool{model.NotifyUpdate: true},
	}))
}

func TestCheckComponentUpdate_OutdatedTransition(t *testing.T) {
	source := NewStaticVersionSource(map[string]string{"Node.js": "18.15.0"})
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	_, comp := seedScannedService(t, st, "Node.js", "16.14.0")
	seedUpdateSubscriber(t, st)

	res, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)

	assert.True(t, res.UpdateFound)
	assert.Equal(t, "18.15.0", res.Component.LatestVersion)
	assert.True(t, res.Component.UpdateAvailable)
	assert.False(t, res.Component.LastChecked.IsZero())

	svc, err := st.GetService(ctx, "svc-orders")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOutdated, svc.Status)

	// Exactly one update notification for the service.
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, model.NotifyUpdate, res.Notifications[0].Type)
	assert.Equal(t, "svc-orders", res.Notifications[0].ServiceID)
}

func TestCheckComponentUpdate_RepeatDoesNotDuplicate(t *testing.T) {
	source := NewStaticVersionSource(map[string]string{"Node.js": "18.15.0"})
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	_, comp := seedScannedService(t, st, "Node.js", "16.14.0")
	seedUpdateSubscriber(t, st)

	first, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)
	require.Len(t, first.Notifications, 1)

	second, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Notifications)

	all, err := st.ListNotifications(ctx, store.NotificationFilter{ServiceID: "svc-orders"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCheckComponentUpdate_UpToDate(t *testing.T) {
	source := NewStaticVersionSource(map[string]string{"Node.js": "16.14.0"})
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	_, comp := seedScannedService(t, st, "Node.js", "16.14.0")

	res, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)
	assert.False(t, res.UpdateFound)

	svc, err := st.GetService(ctx, "svc-orders")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSecure, svc.Status)
}

func TestCheckComponentUpdate_MalformedLatestFailsClosed(t *testing.T) {
	source := NewStaticVersionSource(map[string]string{"Node.js": "latest-stable"})
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	_, comp := seedScannedService(t, st, "Node.js", "16.14.0")

	res, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)
	assert.False(t, res.UpdateFound)
	assert.False(t, res.Component.UpdateAvailable)

	svc, err := st.GetService(ctx, "svc-orders")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSecure, svc.Status)
}

func TestCheckComponentUpdate_UpstreamDegrades(t *testing.T) {
	source := NewStaticVersionSource(nil) // knows nothing
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	_, comp := seedScannedService(t, st, "Node.js", "16.14.0")

	res, err := c.CheckComponentUpdate(ctx, comp.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, res.UpdateFound)
	assert.False(t, res.Component.LastChecked.IsZero())
}

func TestCheckComponentUpdate_NotFound(t *testing.T) {
	c, _ := newTestChecker(t, NewStaticVersionSource(nil))
	_, err := c.CheckComponentUpdate(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestCheckAllUpdates_PartialFailureTolerant(t *testing.T) {
	source := NewStaticVersionSource(map[string]string{
		"Node.js": "18.15.0",
		"Express": "4.18.2",
		// Redis deliberately missing: upstream failure degrades, not fails.
	})
	c, st := newTestChecker(t, source)
	ctx := context.Background()
	seedUpdateSubscriber(t, st)

	for _, tc := range []struct{ name, version string }{
		{"Node.js", "16.14.0"},
		{"Express", "4.18.2"},
		{"Redis", "7.0.10"},
	} {
		comp, err := st.UpsertComponent(ctx, &model.Component{
			ID: tc.name, Name: tc.name, Version: tc.version, Type: model.ComponentLibrary,
		})
		require.NoError(t, err)
		svc := &model.Service{
			ID:           tc.name + "-svc",
			Name:         tc.name + "-svc",
			Status:       model.StatusSecure,
			ComponentIDs: []string{comp.ID},
			LastScan:     time.Now().UTC(),
		}
		require.NoError(t, st.CreateService(ctx, svc))
	}

	batch, err := c.CheckAllUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Checked)
	assert.Equal(t, 1, batch.UpdatesFound)
	assert.Equal(t, 0, batch.Failed)
	assert.Len(t, batch.Notifications, 1)
}
