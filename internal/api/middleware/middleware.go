package middleware

import (
	"crypto/subtle"
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/guard"
	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

const (
	requestKey = "guard_request"

	// UserIDLocal is the context key an upstream auth layer may set
	UserIDLocal = "user_id"
)

// Options configures the interceptor chain
type Options struct {
	TrustedProxies []netip.Prefix
	UserIDHeader   string
}

// Defense returns the interceptor chain in execution order. The observer
// comes first so rejected requests are recorded too.
func Defense(g *guard.Guard, opts Options) []fiber.Handler {
	return []fiber.Handler{
		Observe(g, opts),
		Admission(g),
		Rules(g),
		Attacks(g),
		Limits(g),
		Suspicion(g),
	}
}

// Register mounts the chain on app
func Register(app fiber.Router, g *guard.Guard, opts Options) {
	for _, h := range Defense(g, opts) {
		app.Use(h)
	}
}

// RequestFrom returns the request view built by Observe
func RequestFrom(c *fiber.Ctx) (models.Request, bool) {
	req, ok := c.Locals(requestKey).(models.Request)
	return req, ok
}

// BuildRequest converts a fiber context into the framework-independent
// request view. Strings are copied since fiber reuses its buffers once the
// handler returns.
func BuildRequest(c *fiber.Ctx, opts Options) models.Request {
	remote := c.Context().RemoteIP().String()

	query := string(c.Request().URI().QueryString())
	if decoded, err := url.QueryUnescape(query); err == nil {
		query = decoded
	}

	req := models.Request{
		IP:        iputil.ClientIP(remote, c.Get(fiber.HeaderXForwardedFor), opts.TrustedProxies),
		Method:    utils.CopyString(c.Method()),
		Path:      utils.CopyString(c.Path()),
		URL:       utils.CopyString(c.OriginalURL()),
		Query:     query,
		Body:      string(c.Body()),
		UserAgent: utils.CopyString(c.Get(fiber.HeaderUserAgent)),
		UserID:    userID(c, remote, opts),
		Email:     email(c),
		Timestamp: time.Now(),
	}
	return req
}

// userID prefers the identity set by an auth layer. The header is only
// read when the direct peer is a trusted proxy.
func userID(c *fiber.Ctx, remote string, opts Options) string {
	if id, ok := c.Locals(UserIDLocal).(string); ok && id != "" {
		return id
	}
	if opts.UserIDHeader != "" && iputil.TrustedPeer(remote, opts.TrustedProxies) {
		if id := c.Get(opts.UserIDHeader); id != "" {
			return utils.CopyString(id)
		}
	}
	return "anonymous"
}

func email(c *fiber.Ctx) string {
	if len(c.Body()) == 0 {
		return "unknown"
	}
	var body struct {
		Email string `json:"email" form:"email"`
	}
	if err := c.BodyParser(&body); err != nil || body.Email == "" {
		return "unknown"
	}
	return utils.CopyString(body.Email)
}

func skipped(c *fiber.Ctx, g *guard.Guard) bool {
	_, ok := RequestFrom(c)
	return !ok || g.Skip(c.Path())
}

// Observe builds the request view and records the response once the rest
// of the chain has run
func Observe(g *guard.Guard, opts Options) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if g.Skip(c.Path()) {
			return c.Next()
		}

		req := BuildRequest(c, opts)
		c.Locals(requestKey, req)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		g.OnResponseComplete(req, status, time.Since(req.Timestamp))
		return err
	}
}

func respond(c *fiber.Ctx, d guard.Decision) error {
	r := d.Rejection
	if r.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(r.RetryAfter))
	}
	return c.Status(r.Status).JSON(r)
}

// Admission rejects blacklisted, blocked and geo-restricted clients and
// attaches the reputation headers to every response
func Admission(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipped(c, g) {
			return c.Next()
		}
		req, _ := RequestFrom(c)

		d := g.Admit(req)
		c.Set("X-RateLimit-Reputation", strconv.Itoa(int(d.Reputation.Score)))
		c.Set("X-RateLimit-Violations", strconv.Itoa(d.Reputation.Violations))
		c.Set("X-RateLimit-Status", string(d.Reputation.Status()))

		if d.Blocked() {
			return respond(c, d)
		}
		return c.Next()
	}
}

// Rules runs the custom rule table
func Rules(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipped(c, g) {
			return c.Next()
		}
		req, _ := RequestFrom(c)

		if d := g.CheckRules(c.UserContext(), req); d.Blocked() {
			return respond(c, d)
		}
		return c.Next()
	}
}

// Attacks runs the attack detector
func Attacks(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipped(c, g) {
			return c.Next()
		}
		req, _ := RequestFrom(c)

		if d := g.CheckAttacks(req); d.Blocked() {
			return respond(c, d)
		}
		return c.Next()
	}
}

// Limits applies the rate limiter tiers
func Limits(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipped(c, g) {
			return c.Next()
		}
		req, _ := RequestFrom(c)

		if d := g.CheckLimits(req); d.Blocked() {
			return respond(c, d)
		}
		return c.Next()
	}
}

// Suspicion scores the client's recent behavior and delays or rejects it
func Suspicion(g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipped(c, g) {
			return c.Next()
		}
		req, _ := RequestFrom(c)

		d := g.CheckSuspicion(req)
		if d.Blocked() {
			return respond(c, d)
		}
		if d.Delay > 0 {
			timer := time.NewTimer(d.Delay)
			select {
			case <-timer.C:
			case <-c.Context().Done():
				timer.Stop()
			}
		}
		return c.Next()
	}
}

// AdminAuth protects the operator surface with the configured keys
func AdminAuth(keys []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(keys) == 0 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "admin_disabled",
				"message": "No admin keys are configured.",
			})
		}

		key := c.Get("X-Admin-Key")
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "missing_admin_key",
				"message": "Admin key is required. Include X-Admin-Key header.",
			})
		}

		if !validKey(key, keys) {
			logger.Warn("Invalid admin key", zap.String("ip", c.IP()), logger.Masked("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "invalid_admin_key",
				"message": "The provided admin key is invalid.",
			})
		}

		return c.Next()
	}
}

func validKey(key string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}
