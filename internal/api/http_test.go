package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/fleet"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/model"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/report"
	"github.com/stackwatch/stackwatch/internal/scan"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
	"github.com/stackwatch/stackwatch/internal/updates"
	"github.com/stackwatch/stackwatch/internal/vulns"
)

func newTestServer(t *testing.T, versions map[string]string) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	m := metrics.NewWith(prometheus.NewRegistry())
	logger := slog.Default()

	dispatcher := notify.NewDispatcher(st, &notify.StoreDirectory{Store: st}, nil, 128, time.Hour, m, logger)
	reeval := status.NewReevaluator(st, dispatcher, nil, 3, false, m, logger)
	registry := fleet.NewRegistry(st, logger)
	scanner := scan.NewScanner(st, reeval, 3, m, logger)
	checker := updates.NewChecker(st, updates.NewStaticVersionSource(versions), reeval, 4, m, logger)
	ingestor := vulns.NewIngestor(st, reeval, dispatcher, vulns.NewStaticSource(), 3, m, logger)
	aggregator, err := report.NewAggregator(st, m, logger)
	require.NoError(t, err)

	srv, err := NewServer(registry, scanner, checker, ingestor, aggregator, dispatcher, st, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createService(t *testing.T, ts *httptest.Server, name string) *model.Service {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/services", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[*model.Service](t, resp)
}

func TestCreateService(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	svc := createService(t, ts, "orders-api")
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, model.StatusUnknown, svc.Status)

	// Duplicate names conflict.
	resp := doJSON(t, http.MethodPost, ts.URL+"/services", map[string]string{"name": "orders-api"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// An empty name is rejected before the store is touched.
	resp = doJSON(t, http.MethodPost, ts.URL+"/services", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestScanService_EndToEnd(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	svc := createService(t, ts, "orders-api")

	resp := doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/scan", map[string]any{
		"components": []map[string]string{
			{"name": "Node.js", "version": "16.14.0", "type": "language"},
			{"name": "Express", "version": "4.18.2", "type": "framework"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[scan.Result](t, resp)
	assert.Equal(t, model.StatusSecure, res.Service.Status)
	assert.Len(t, res.Components, 2)

	getResp, err := http.Get(ts.URL + "/services/" + svc.ID)
	require.NoError(t, err)
	got := decodeBody[*model.Service](t, getResp)
	assert.Len(t, got.ComponentIDs, 2)
}

func TestScanService_SchemaRejections(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	svc := createService(t, ts, "orders-api")

	for name, payload := range map[string]any{
		"empty components":  map[string]any{"components": []any{}},
		"missing version":   map[string]any{"components": []map[string]string{{"name": "Node.js", "type": "language"}}},
		"bad type":          map[string]any{"components": []map[string]string{{"name": "Node.js", "version": "16.14.0", "type": "gadget"}}},
		"unexpected fields": map[string]any{"components": []map[string]string{{"name": "Node.js", "version": "16.14.0", "type": "language", "extra": "x"}}},
	} {
		resp := doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/scan", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		resp.Body.Close()
	}
}

func TestScanService_UnknownService(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp := doJSON(t, http.MethodPost, ts.URL+"/services/missing/scan", map[string]any{
		"components": []map[string]string{{"name": "Node.js", "version": "16.14.0", "type": "language"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestVulnerabilityLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	svc := createService(t, ts, "orders-api")

	resp := doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/scan", map[string]any{
		"components": []map[string]string{{"name": "Express", "version": "4.16.0", "type": "framework"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scanRes := decodeBody[scan.Result](t, resp)
	compID := scanRes.Components[0].ID

	resp = doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/vulnerabilities", map[string]any{
		"component_id": compID,
		"cve_id":       "CVE-2022-24999",
		"title":        "qs prototype pollution",
		"severity":     "high",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vulnRes := decodeBody[vulns.Result](t, resp)
	assert.Equal(t, model.StatusVulnerable, vulnRes.Service.Status)

	// Closing the vulnerability recovers the service.
	resp = doJSON(t, http.MethodPut, ts.URL+"/vulnerabilities/"+vulnRes.Vulnerability.ID+"/status",
		map[string]string{"status": "fixed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + "/services/" + svc.ID)
	require.NoError(t, err)
	got := decodeBody[*model.Service](t, getResp)
	assert.Equal(t, model.StatusSecure, got.Status)
}

func TestCheckComponent_NotFoundMapping(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp := doJSON(t, http.MethodPost, ts.URL+"/components/missing/check", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReportEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	svc := createService(t, ts, "orders-api")

	resp := doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/scan", map[string]any{
		"components": []map[string]string{{"name": "Node.js", "version": "16.14.0", "type": "language"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/reports", map[string]any{
		"title":       "Weekly report",
		"service_ids": []string{svc.ID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rep := decodeBody[*model.Report](t, resp)
	assert.Equal(t, 1, rep.Summary.SecureServices)
	assert.Equal(t, "json", rep.Format)

	getResp, err := http.Get(ts.URL + "/reports/" + rep.ID)
	require.NoError(t, err)
	stored := decodeBody[*model.Report](t, getResp)
	assert.Equal(t, rep.ID, stored.ID)

	// Unknown format and empty service list are validation failures.
	resp = doJSON(t, http.MethodPost, ts.URL+"/reports", map[string]any{
		"title": "Bad", "service_ids": []string{svc.ID}, "format": "pdf",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, ts.URL+"/reports", map[string]any{
		"title": "Bad", "service_ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestNotificationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, map[string]string{"Node.js": "18.15.0"})
	svc := createService(t, ts, "orders-api")

	resp := doJSON(t, http.MethodPost, ts.URL+"/users", map[string]any{
		"name": "Dev", "email": "dev@example.com", "role": "developer",
		"preferences": map[string]bool{"update": true},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/services/"+svc.ID+"/scan", map[string]any{
		"components": []map[string]string{{"name": "Node.js", "version": "16.14.0", "type": "language"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/updates/check-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decodeBody[updates.BatchResult](t, resp)
	assert.Equal(t, 1, batch.UpdatesFound)

	listResp, err := http.Get(fmt.Sprintf("%s/notifications?service_id=%s", ts.URL, svc.ID))
	require.NoError(t, err)
	list := decodeBody[struct {
		Notifications []*model.Notification `json:"notifications"`
		Count         int                   `json:"count"`
	}](t, listResp)
	require.Equal(t, 1, list.Count)
	nID := list.Notifications[0].ID

	resp = doJSON(t, http.MethodPost, ts.URL+"/notifications/"+nID+"/read", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	unreadResp, err := http.Get(fmt.Sprintf("%s/notifications?service_id=%s&unread=true", ts.URL, svc.ID))
	require.NoError(t, err)
	unread := decodeBody[struct {
		Count int `json:"count"`
	}](t, unreadResp)
	assert.Equal(t, 0, unread.Count)

	// Expiry sweep removes nothing while the TTL has not elapsed.
	delReq, err := http.NewRequest(http.MethodDelete, ts.URL+"/notifications/expired", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	removed := decodeBody[map[string]int](t, delResp)
	assert.Equal(t, 0, removed["removed"])
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
