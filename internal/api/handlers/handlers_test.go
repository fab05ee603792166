package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lfrfrfr/beon-guard/internal/analytics"
	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/database"
	"github.com/lfrfrfr/beon-guard/internal/guard"
	"github.com/lfrfrfr/beon-guard/internal/mmdb"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

func newTestApp(t *testing.T) (*fiber.App, *guard.Guard, string) {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	rules := config.DefaultRules()
	g, err := guard.New(cfg, &rules)
	if err != nil {
		t.Fatalf("guard.New() error = %v", err)
	}

	exportPath := filepath.Join(t.TempDir(), "blocklist.mmdb")
	app := fiber.New()
	app.Get("/health", HealthCheck("test", g))
	Register(app.Group("/_guard"), g, mmdb.NewWriter(mmdb.DefaultWriterConfig()), exportPath)
	return app, g, exportPath
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test(%s %s) error = %v", method, target, err)
	}
	defer resp.Body.Close()

	out := make(map[string]interface{})
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthCheck(t *testing.T) {
	app, _, _ := newTestApp(t)

	status, body := do(t, app, http.MethodGet, "/health", "")
	if status != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("GET /health = %d %v, want 200 healthy", status, body)
	}

	SetProbe("redis", func(context.Context) error { return errors.New("connection refused") })
	status, body = do(t, app, http.MethodGet, "/health", "")
	if status != http.StatusOK || body["status"] != "degraded" {
		t.Errorf("GET /health = %d %v, want 200 degraded", status, body)
	}
	services, _ := body["services"].(map[string]interface{})
	if services["redis"] != "unhealthy" {
		t.Errorf("services = %v, want redis unhealthy", services)
	}
}

func TestOverrides(t *testing.T) {
	app, g, _ := newTestApp(t)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"invalid ip", "/_guard/ips/not-an-ip/whitelist", "", http.StatusBadRequest},
		{"whitelist", "/_guard/ips/203.0.113.10/whitelist", `{"reason":"office"}`, http.StatusOK},
		{"blacklist", "/_guard/ips/203.0.113.11/blacklist", "", http.StatusOK},
		{"reason too long", "/_guard/ips/203.0.113.12/blacklist", `{"reason":"` + strings.Repeat("x", 300) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := do(t, app, http.MethodPost, tt.target, tt.body); status != tt.want {
				t.Errorf("POST %s = %d %v, want %d", tt.target, status, body, tt.want)
			}
		})
	}

	if rec, _ := g.Reputation().Peek("203.0.113.10"); !rec.Whitelisted || rec.Reason != "office" {
		t.Errorf("whitelisted record = %+v", rec)
	}
	if rec, _ := g.Reputation().Peek("203.0.113.11"); !rec.Blacklisted || rec.Reason != "manual blacklist" {
		t.Errorf("blacklisted record = %+v", rec)
	}

	status, body := do(t, app, http.MethodGet, "/_guard/ips?status=blacklisted", "")
	if status != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("GET /_guard/ips?status=blacklisted = %d %v, want one record", status, body)
	}
	if status, _ := do(t, app, http.MethodGet, "/_guard/ips?status=bogus", ""); status != http.StatusBadRequest {
		t.Errorf("GET /_guard/ips?status=bogus = %d, want 400", status)
	}

	if status, _ := do(t, app, http.MethodPost, "/_guard/ips/203.0.113.11/reset", ""); status != http.StatusOK {
		t.Errorf("reset = %d, want 200", status)
	}
	if rec, _ := g.Reputation().Peek("203.0.113.11"); rec.Blacklisted || rec.Score != 50 {
		t.Errorf("reset record = %+v, want neutral", rec)
	}
}

type staticHistory struct{}

func (staticHistory) History(_ context.Context, ip string, _ int) ([]database.AuditEntry, error) {
	return []database.AuditEntry{{IP: ip, Action: "blacklist"}}, nil
}

func TestGetIP(t *testing.T) {
	app, g, _ := newTestApp(t)

	if status, _ := do(t, app, http.MethodGet, "/_guard/ips/198.51.100.1", ""); status != http.StatusNotFound {
		t.Errorf("untracked ip = %d, want 404", status)
	}

	if _, err := g.Reputation().Adjust("198.51.100.1", -20, "test"); err != nil {
		t.Fatal(err)
	}
	SetHistory(staticHistory{})
	SetBlocklist(staticBlocklist{})

	status, body := do(t, app, http.MethodGet, "/_guard/ips/198.51.100.1", "")
	if status != http.StatusOK {
		t.Fatalf("GET ip = %d, want 200", status)
	}
	if body["status"] != string(models.StatusSuspicious) {
		t.Errorf("status = %v, want suspicious", body["status"])
	}
	if hist, _ := body["history"].([]interface{}); len(hist) != 1 {
		t.Errorf("history = %v, want one entry", body["history"])
	}
	if exported, _ := body["exported"].(map[string]interface{}); exported["status"] != mmdb.StatusBlocked {
		t.Errorf("exported = %v, want blocked entry", body["exported"])
	}
}

type staticBlocklist struct{}

func (staticBlocklist) LookupBlocklist(string) (*mmdb.BlocklistRecord, error) {
	return &mmdb.BlocklistRecord{Status: mmdb.StatusBlocked, Score: 20}, nil
}

func TestAcknowledgeAlert(t *testing.T) {
	app, g, _ := newTestApp(t)

	if status, _ := do(t, app, http.MethodPost, "/_guard/alerts/missing/ack", ""); status != http.StatusNotFound {
		t.Errorf("ack missing = %d, want 404", status)
	}

	alert, ok := g.Alerts().Trigger("HIGH_ERROR_RATE", models.SeverityHigh, map[string]interface{}{"rate": 0.4})
	if !ok {
		t.Fatal("Trigger() suppressed the first alert")
	}

	var acked []models.Alert
	OnAcknowledge(func(a models.Alert) { acked = append(acked, a) })

	status, body := do(t, app, http.MethodPost, "/_guard/alerts/"+alert.ID+"/ack", "")
	if status != http.StatusOK || body["acknowledged"] != true || body["acknowledged_by"] != "admin" {
		t.Errorf("ack = %d %v", status, body)
	}
	if len(acked) != 1 {
		t.Errorf("acknowledge hooks ran %d times, want 1", len(acked))
	}

	_, body = do(t, app, http.MethodGet, "/_guard/alerts", "")
	if body["count"] != float64(0) {
		t.Errorf("active alerts = %v, want 0", body["count"])
	}
	_, body = do(t, app, http.MethodGet, "/_guard/alerts?all=true", "")
	if body["count"] != float64(1) {
		t.Errorf("all alerts = %v, want 1", body["count"])
	}
}

func TestTestRequest(t *testing.T) {
	app, g, _ := newTestApp(t)

	tests := []struct {
		name     string
		body     string
		status   int
		critical bool
	}{
		{"missing url", `{"method":"GET"}`, http.StatusBadRequest, false},
		{"bad method", `{"method":"BREW","url":"/"}`, http.StatusBadRequest, false},
		{"bad ip", `{"url":"/","ip":"999.1.1.1"}`, http.StatusBadRequest, false},
		{"clean", `{"url":"/api/pedidos?page=2"}`, http.StatusOK, false},
		{"sql injection", `{"url":"/api/x?id=1 or 1=1","ip":"10.9.0.1"}`, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, app, http.MethodPost, "/_guard/test", tt.body)
			if status != tt.status {
				t.Fatalf("POST /_guard/test = %d %v, want %d", status, body, tt.status)
			}
			if status == http.StatusOK && body["critical"] != tt.critical {
				t.Errorf("critical = %v, want %v", body["critical"], tt.critical)
			}
		})
	}

	if _, ok := g.Reputation().Peek("10.9.0.1"); ok {
		t.Error("test request created a reputation record")
	}
}

func TestReportAndEvents(t *testing.T) {
	app, g, _ := newTestApp(t)

	g.Telemetry().RecordSecurityEvent("PATH_TRAVERSAL", "10.0.0.1", nil)
	g.Telemetry().RecordSecurityEvent("SQL_INJECTION_ATTEMPT", "10.0.0.2", nil)

	_, body := do(t, app, http.MethodGet, "/_guard/events?type=path_traversal", "")
	if body["count"] != float64(1) {
		t.Errorf("events = %v, want 1", body)
	}

	if status, _ := do(t, app, http.MethodGet, "/_guard/report?hours=0", ""); status != http.StatusBadRequest {
		t.Errorf("report hours=0 = %d, want 400", status)
	}
	if status, _ := do(t, app, http.MethodGet, "/_guard/report?hours=2", ""); status != http.StatusOK {
		t.Errorf("report hours=2 = %d, want 200", status)
	}
	if status, _ := do(t, app, http.MethodGet, "/_guard/dashboard", ""); status != http.StatusOK {
		t.Errorf("dashboard = %d, want 200", status)
	}
}

func TestExport(t *testing.T) {
	app, g, path := newTestApp(t)

	if _, err := g.Reputation().Blacklist("192.0.2.7", "abuse"); err != nil {
		t.Fatal(err)
	}
	status, body := do(t, app, http.MethodPost, "/_guard/export", "")
	if status != http.StatusOK || body["inserted"] != float64(1) {
		t.Fatalf("export = %d %v, want one record", status, body)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("export file: %v", err)
	}
}

type staticAnalytics struct{}

func (staticAnalytics) GetHourlyStats(context.Context, int) ([]analytics.HourlyStats, error) {
	return []analytics.HourlyStats{{Hour: time.Now().Truncate(time.Hour), TotalRequests: 10}}, nil
}

func (staticAnalytics) GetTopOffenders(context.Context, int) ([]analytics.TopOffender, error) {
	return nil, errors.New("timeout")
}

func TestAnalytics(t *testing.T) {
	app, _, _ := newTestApp(t)

	if status, _ := do(t, app, http.MethodGet, "/_guard/analytics/hourly", ""); status != http.StatusServiceUnavailable {
		t.Errorf("hourly without archive = %d, want 503", status)
	}

	SetAnalytics(staticAnalytics{})
	if status, _ := do(t, app, http.MethodGet, "/_guard/analytics/hourly", ""); status != http.StatusOK {
		t.Errorf("hourly = %d, want 200", status)
	}
	if status, _ := do(t, app, http.MethodGet, "/_guard/analytics/top", ""); status != http.StatusBadGateway {
		t.Errorf("top with failing archive = %d, want 502", status)
	}
}

type fakeReloader struct {
	err   error
	calls int
}

func (f *fakeReloader) Reload(string, string) error {
	f.calls++
	return f.err
}

func (f *fakeReloader) Stats() map[string]interface{} {
	return map[string]interface{}{"geoip_loaded": true}
}

func TestReloadMMDB(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"missing file", errors.New("no such file"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReloader{err: tt.err}
			app := fiber.New()
			app.Post("/reload", ReloadMMDB(r, "geo.mmdb", "block.mmdb"))

			if status, _ := do(t, app, http.MethodPost, "/reload", ""); status != tt.want {
				t.Errorf("POST /reload = %d, want %d", status, tt.want)
			}
			if r.calls != 1 {
				t.Errorf("Reload() calls = %d, want 1", r.calls)
			}
		})
	}
}
