package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/alerting"
	"github.com/lfrfrfr/beon-guard/internal/analytics"
	"github.com/lfrfrfr/beon-guard/internal/database"
	"github.com/lfrfrfr/beon-guard/internal/guard"
	"github.com/lfrfrfr/beon-guard/internal/mmdb"
	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// HistorySource returns the stored change history of an IP
type HistorySource interface {
	History(ctx context.Context, ip string, limit int) ([]database.AuditEntry, error)
}

// AnalyticsSource answers archive queries
type AnalyticsSource interface {
	GetHourlyStats(ctx context.Context, hours int) ([]analytics.HourlyStats, error)
	GetTopOffenders(ctx context.Context, limit int) ([]analytics.TopOffender, error)
}

// BlocklistSource looks up the last exported blocklist entry of an IP
type BlocklistSource interface {
	LookupBlocklist(ip string) (*mmdb.BlocklistRecord, error)
}

// Probe checks one backing service
type Probe func(ctx context.Context) error

var (
	history   HistorySource
	archive   AnalyticsSource
	blocklist BlocklistSource
	probes    = make(map[string]Probe)
	ackHooks  []func(models.Alert)
	backendMu sync.RWMutex

	validate = validator.New()
)

// SetHistory sets the audit trail used by the IP detail endpoint
func SetHistory(h HistorySource) {
	backendMu.Lock()
	defer backendMu.Unlock()
	history = h
}

// SetAnalytics sets the archive used by the analytics endpoints
func SetAnalytics(a AnalyticsSource) {
	backendMu.Lock()
	defer backendMu.Unlock()
	archive = a
}

// SetBlocklist sets the exported blocklist shown by the IP detail endpoint
func SetBlocklist(b BlocklistSource) {
	backendMu.Lock()
	defer backendMu.Unlock()
	blocklist = b
}

// SetProbe registers a health probe for a backing service
func SetProbe(name string, p Probe) {
	backendMu.Lock()
	defer backendMu.Unlock()
	probes[name] = p
}

// OnAcknowledge registers a callback run after an alert is acknowledged
func OnAcknowledge(h func(models.Alert)) {
	backendMu.Lock()
	defer backendMu.Unlock()
	ackHooks = append(ackHooks, h)
}

// Reset clears every registered backend
func Reset() {
	backendMu.Lock()
	defer backendMu.Unlock()
	history = nil
	archive = nil
	blocklist = nil
	probes = make(map[string]Probe)
	ackHooks = nil
}

func getHistory() HistorySource {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return history
}

func getBlocklist() BlocklistSource {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return blocklist
}

func getArchive() AnalyticsSource {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return archive
}

func fail(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// HealthCheck reports the guard mode and the state of each backing service
func HealthCheck(version string, g *guard.Guard) fiber.Handler {
	startTime := time.Now()

	return func(c *fiber.Ctx) error {
		status := models.HealthStatus{
			Status:    "healthy",
			Version:   version,
			Uptime:    time.Since(startTime).String(),
			Mode:      g.Mode(),
			Timestamp: time.Now(),
			Services:  map[string]string{"guard": "healthy"},
		}

		backendMu.RLock()
		checks := make(map[string]Probe, len(probes))
		for name, p := range probes {
			checks[name] = p
		}
		backendMu.RUnlock()

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		for name, probe := range checks {
			if err := probe(ctx); err != nil {
				status.Services[name] = "unhealthy"
				status.Status = "degraded"
				logger.Warn("Health probe failed", zap.String("service", name), zap.Error(err))
				continue
			}
			status.Services[name] = "healthy"
		}

		return c.JSON(status)
	}
}

// Stats returns the reputation, telemetry and alert statistics
func Stats(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"mode":       g.Mode(),
			"reputation": g.Reputation().Stats(),
			"telemetry":  g.Telemetry().Stats(),
			"alerts":     g.Alerts().Stats(),
			"lastHour":   g.Telemetry().Rollup(time.Hour),
		})
	}
}

// Dashboard returns the operator overview
func Dashboard(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(g.Dashboard())
	}
}

var statuses = map[string]models.ReputationStatus{
	string(models.StatusWhitelisted): models.StatusWhitelisted,
	string(models.StatusBlacklisted): models.StatusBlacklisted,
	string(models.StatusSuspicious):  models.StatusSuspicious,
	string(models.StatusTrusted):     models.StatusTrusted,
	string(models.StatusNormal):      models.StatusNormal,
}

// ListIPs lists records by status. Without a status it lists every
// flagged record.
func ListIPs(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q := c.Query("status")
		if q == "" {
			records := g.Reputation().Flagged()
			return c.JSON(fiber.Map{"count": len(records), "ips": records})
		}

		status, ok := statuses[strings.ToLower(q)]
		if !ok {
			return fail(c, fiber.StatusBadRequest, "invalid_status",
				"status must be one of whitelisted, blacklisted, suspicious, trusted, normal")
		}
		records := g.Reputation().Query(status)
		return c.JSON(fiber.Map{"status": status, "count": len(records), "ips": records})
	}
}

func ipParam(c *fiber.Ctx) (string, error) {
	return iputil.Canonical(c.Params("ip"))
}

// GetIP returns the record, recent activity and stored history of an IP
func GetIP(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip, err := ipParam(c)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_ip", "Invalid IP address format")
		}

		rec, ok := g.Reputation().Peek(ip)
		if !ok {
			return fail(c, fiber.StatusNotFound, "not_found", "IP is not tracked")
		}

		resp := fiber.Map{
			"reputation": rec,
			"status":     rec.Status(),
			"blocked":    rec.Blocked(time.Now()),
			"activity":   g.Activity().Snapshot(ip),
		}
		if h := getHistory(); h != nil {
			entries, err := h.History(c.UserContext(), ip, c.QueryInt("limit", 50))
			if err != nil {
				logger.Warn("History lookup failed", zap.String("ip", ip), zap.Error(err))
			} else {
				resp["history"] = entries
			}
		}
		if b := getBlocklist(); b != nil {
			if entry, err := b.LookupBlocklist(ip); err == nil && entry != nil {
				resp["exported"] = entry
			}
		}
		return c.JSON(resp)
	}
}

type overrideRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// Override applies a manual whitelist, blacklist or reset to an IP
func Override(g *guard.Guard, action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip, err := ipParam(c)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_ip", "Invalid IP address format")
		}

		var body overrideRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fail(c, fiber.StatusBadRequest, "invalid_body", err.Error())
			}
		}
		if err := validate.Struct(body); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_body", err.Error())
		}
		if body.Reason == "" {
			body.Reason = "manual " + action
		}

		rep := g.Reputation()
		var rec models.Reputation
		switch action {
		case "whitelist":
			rec, err = rep.Whitelist(ip, body.Reason)
		case "blacklist":
			rec, err = rep.Blacklist(ip, body.Reason)
		case "reset":
			rec, err = rep.Reset(ip, body.Reason)
		default:
			return fail(c, fiber.StatusNotFound, "unknown_action", "Unknown action")
		}
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_ip", err.Error())
		}

		return c.JSON(fiber.Map{"action": action, "reputation": rec})
	}
}

// ListAlerts returns active alerts, or every retained alert with all=true
func ListAlerts(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		alerts := g.Alerts().Active()
		if c.QueryBool("all", false) {
			alerts = g.Alerts().All()
		}
		return c.JSON(fiber.Map{"count": len(alerts), "alerts": alerts})
	}
}

// AcknowledgeAlert marks an alert as handled
func AcknowledgeAlert(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		by := c.Get("X-Admin-User")
		if by == "" {
			by = "admin"
		}

		alert, err := g.Alerts().Acknowledge(c.Params("id"), by)
		if errors.Is(err, alerting.ErrAlertNotFound) {
			return fail(c, fiber.StatusNotFound, "not_found", "Alert not found")
		}
		if err != nil {
			return fail(c, fiber.StatusInternalServerError, "internal_error", err.Error())
		}

		backendMu.RLock()
		hooks := ackHooks
		backendMu.RUnlock()
		for _, h := range hooks {
			h(alert)
		}
		return c.JSON(alert)
	}
}

// Events returns the most recent security events, optionally by type
func Events(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		if limit <= 0 || limit > 300 {
			limit = 50
		}
		eventType := strings.ToUpper(c.Query("type"))

		var events []models.SecurityEvent
		for _, ev := range g.Telemetry().RecentEvents(300) {
			if eventType != "" && ev.Type != eventType {
				continue
			}
			events = append(events, ev)
			if len(events) == limit {
				break
			}
		}
		return c.JSON(fiber.Map{"count": len(events), "events": events})
	}
}

// Report returns the security report for the trailing hours (default 1)
func Report(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hours := c.QueryInt("hours", 1)
		if hours <= 0 || hours > 24 {
			return fail(c, fiber.StatusBadRequest, "invalid_window", "hours must be between 1 and 24")
		}
		return c.JSON(g.Telemetry().SecurityReport(time.Duration(hours) * time.Hour))
	}
}

// Export writes the flagged records to the blocklist MMDB
func Export(g *guard.Guard, w *mmdb.Writer, path string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := w.Export(g.Reputation().Flagged(), path)
		if err != nil {
			logger.Error("Blocklist export failed", zap.String("path", path), zap.Error(err))
			return fail(c, fiber.StatusInternalServerError, "export_failed", err.Error())
		}
		return c.JSON(res)
	}
}

type testRequest struct {
	Method    string `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	URL       string `json:"url" validate:"required,startswith=/"`
	Body      string `json:"body"`
	UserAgent string `json:"userAgent"`
	IP        string `json:"ip" validate:"omitempty,ip"`
}

// TestRequest classifies a sample request without side effects
func TestRequest(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body testRequest
		if err := c.BodyParser(&body); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_body", err.Error())
		}
		if err := validate.Struct(body); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid_body", err.Error())
		}
		if body.Method == "" {
			body.Method = fiber.MethodGet
		}
		if body.IP == "" {
			body.IP = "127.0.0.1"
		}

		path, query, _ := strings.Cut(body.URL, "?")
		req := models.Request{
			IP:        body.IP,
			Method:    body.Method,
			Path:      path,
			URL:       body.URL,
			Query:     query,
			Body:      body.Body,
			UserAgent: body.UserAgent,
			Timestamp: time.Now(),
		}
		return c.JSON(g.Test(c.UserContext(), req))
	}
}

// Reloader swaps MMDB databases from disk
type Reloader interface {
	Reload(geoipPath, blocklistPath string) error
	Stats() map[string]interface{}
}

// ReloadMMDB hot-reloads the GeoIP and blocklist databases. The old
// databases stay in service when the reload fails.
func ReloadMMDB(r Reloader, geoipPath, blocklistPath string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := r.Reload(geoipPath, blocklistPath); err != nil {
			logger.Error("MMDB reload failed", zap.Error(err))
			return fail(c, fiber.StatusInternalServerError, "reload_failed", err.Error())
		}
		return c.JSON(fiber.Map{"status": "reloaded", "databases": r.Stats()})
	}
}

// HourlyAnalytics returns archived hourly statistics
func HourlyAnalytics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		a := getArchive()
		if a == nil {
			return fail(c, fiber.StatusServiceUnavailable, "analytics_disabled", "ClickHouse archive is not configured")
		}
		stats, err := a.GetHourlyStats(c.UserContext(), c.QueryInt("hours", 24))
		if err != nil {
			return fail(c, fiber.StatusBadGateway, "analytics_failed", err.Error())
		}
		return c.JSON(fiber.Map{"hours": stats})
	}
}

// TopOffenders returns the archived IPs with the most security events
func TopOffenders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		a := getArchive()
		if a == nil {
			return fail(c, fiber.StatusServiceUnavailable, "analytics_disabled", "ClickHouse archive is not configured")
		}
		top, err := a.GetTopOffenders(c.UserContext(), c.QueryInt("limit", 20))
		if err != nil {
			return fail(c, fiber.StatusBadGateway, "analytics_failed", err.Error())
		}
		return c.JSON(fiber.Map{"offenders": top})
	}
}

// Register mounts the operator endpoints on router
func Register(router fiber.Router, g *guard.Guard, w *mmdb.Writer, exportPath string) {
	router.Get("/stats", Stats(g))
	router.Get("/dashboard", Dashboard(g))
	router.Get("/ips", ListIPs(g))
	router.Get("/ips/:ip", GetIP(g))
	router.Post("/ips/:ip/whitelist", Override(g, "whitelist"))
	router.Post("/ips/:ip/blacklist", Override(g, "blacklist"))
	router.Post("/ips/:ip/reset", Override(g, "reset"))
	router.Get("/alerts", ListAlerts(g))
	router.Post("/alerts/:id/ack", AcknowledgeAlert(g))
	router.Get("/events", Events(g))
	router.Get("/report", Report(g))
	router.Post("/export", Export(g, w, exportPath))
	router.Post("/test", TestRequest(g))
	router.Get("/analytics/hourly", HourlyAnalytics())
	router.Get("/analytics/top", TopOffenders())
}
