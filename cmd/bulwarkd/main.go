// bulwarkd hosts the Bulwark pipeline behind a small HTTP surface: one
// evaluation endpoint for the chat host, an admin API for operators, and
// Prometheus metrics.
package main

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luminestory/bulwark/pkg/audit"
	"github.com/luminestory/bulwark/pkg/config"
	"github.com/luminestory/bulwark/pkg/defense"
	"github.com/luminestory/bulwark/pkg/guard"
	"github.com/luminestory/bulwark/pkg/ledger"
	"github.com/luminestory/bulwark/pkg/review"
	"github.com/luminestory/bulwark/pkg/semantic"
	"github.com/luminestory/bulwark/pkg/threat"
)

const version = "1.0.0"

const adminKeyHeader = "X-Bulwark-Admin-Key"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg := config.NewDefaultConfig()
	ctx := context.Background()

	var opts []guard.Option

	if cfg.RedisAddr != "" {
		rl, err := ledger.NewRedisLedger(ctx, cfg.RedisAddr, cfg.OffenseWindow)
		if err != nil {
			log.Error("redis ledger unavailable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		opts = append(opts, guard.WithLedger(rl))
		log.Info("using redis ledger", "addr", cfg.RedisAddr)
	}

	var archiver *audit.PostgresArchiver
	if cfg.ArchiveDSN != "" {
		a, err := audit.NewPostgresArchiver(ctx, cfg.ArchiveDSN, log)
		if err != nil {
			log.Error("incident archiver unavailable", "error", err)
			os.Exit(1)
		}
		archiver = a
		opts = append(opts, guard.WithArchiver(a))
		log.Info("incident archiving enabled")
	}

	if cfg.SemanticEnabled {
		det, err := semantic.New(cfg.SemanticBaseURL, cfg.SemanticModel, cfg.SemanticThreshold)
		if err != nil {
			log.Warn("semantic layer disabled", "error", err)
		} else {
			initCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			if err := det.Init(initCtx); err != nil {
				log.Warn("semantic layer disabled", "error", err)
			} else {
				opts = append(opts, guard.WithSemantic(det))
				log.Info("semantic layer enabled", "model", cfg.SemanticModel)
			}
			cancel()
		}
	}

	g, err := guard.New(cfg, log, opts...)
	if err != nil {
		log.Error("guard construction failed", "error", err)
		os.Exit(1)
	}

	app := newApp(g, cfg, log)

	if archiver != nil {
		defer archiver.Close()
	}

	addr := config.GetEnv("BULWARK_LISTEN_ADDR", ":3000")
	log.Info("bulwarkd listening", "addr", addr, "version", version)
	if err := app.Listen(addr); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newApp builds the fiber app. Split from main so handler tests can drive
// it with app.Test.
func newApp(g *guard.Guard, cfg *config.Config, log *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Bulwark",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/v1/evaluate", func(c fiber.Ctx) error {
		var req struct {
			Sender  string `json:"sender"`
			Session string `json:"session"`
			Channel string `json:"channel"`
			Text    string `json:"text"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if req.Sender == "" || req.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sender and text are required"})
		}
		ch := threat.ChannelGroup
		if req.Channel == string(threat.ChannelPrivate) {
			ch = threat.ChannelPrivate
		}

		dec, err := g.Evaluate(c.Context(), threat.Message{
			Sender:  req.Sender,
			Session: req.Session,
			Channel: ch,
			Text:    req.Text,
		})
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(dec)
	})

	app.Get("/v1/audit", func(c fiber.Ctx) error {
		f := audit.Filter{
			Sender:  c.Query("sender"),
			Action:  c.Query("action"),
			Keyword: c.Query("keyword"),
			MinTier: parseTier(c.Query("min_tier")),
		}
		if v := c.Query("from"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "from must be RFC3339"})
			}
			f.From = ts
		}
		if v := c.Query("to"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "to must be RFC3339"})
			}
			f.To = ts
		}
		incidents := g.Incidents(f)
		return c.JSON(fiber.Map{"incidents": incidents, "count": len(incidents)})
	})

	app.Get("/v1/reviews", func(c fiber.Ctx) error {
		events := g.ReviewLog()
		return c.JSON(fiber.Map{"reviews": events, "count": len(events)})
	})

	app.Get("/v1/stats", func(c fiber.Ctx) error {
		snap, err := g.LedgerSnapshot(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"defense_mode":    g.Mode().String(),
			"review_activity": g.ReviewActivity().String(),
			"incidents":       len(g.Incidents(audit.Filter{})),
			"active_bans":     len(snap.Bans),
			"whitelisted":     len(snap.Whitelist),
		})
	})

	admin := app.Group("/v1/admin", adminAuth(cfg.AdminKey, log))

	admin.Post("/mode/cycle", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"mode": g.CycleMode().String()})
	})

	admin.Post("/mode", func(c fiber.Ctx) error {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		m, err := defense.ParseMode(req.Mode)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		g.SetMode(m)
		return c.JSON(fiber.Map{"mode": m.String()})
	})

	admin.Post("/mode/observe", func(c fiber.Ctx) error {
		var req struct {
			Duration string `json:"duration"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid duration"})
		}
		g.TempObserve(d)
		return c.JSON(fiber.Map{"mode": g.Mode().String(), "until": time.Now().Add(d)})
	})

	admin.Post("/review/mode", func(c fiber.Ctx) error {
		var req struct {
			Activity string `json:"activity"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		a, err := review.ParseActivity(req.Activity)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		g.SetReviewActivity(a)
		return c.JSON(fiber.Map{"activity": a.String()})
	})

	admin.Post("/review/provider", func(c fiber.Ctx) error {
		var req struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
			BaseURL  string `json:"base_url"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := g.SetReviewProvider(config.ReviewProvider(req.Provider), req.Model, req.BaseURL); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"provider": req.Provider})
	})

	admin.Post("/ban", func(c fiber.Ctx) error {
		var req struct {
			Sender   string `json:"sender"`
			Reason   string `json:"reason"`
			Duration string `json:"duration"` // empty or "0" means permanent
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		var d time.Duration
		if req.Duration != "" && req.Duration != "0" {
			parsed, err := time.ParseDuration(req.Duration)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid duration"})
			}
			d = parsed
		}
		if err := g.Ban(c.Context(), req.Sender, req.Reason, d); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"banned": req.Sender})
	})

	admin.Post("/unban", func(c fiber.Ctx) error {
		var req struct {
			Sender string `json:"sender"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := g.Unban(c.Context(), req.Sender); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"unbanned": req.Sender})
	})

	admin.Post("/whitelist", func(c fiber.Ctx) error {
		var req struct {
			Sender string `json:"sender"`
			Remove bool   `json:"remove"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		var err error
		if req.Remove {
			err = g.WhitelistRemove(c.Context(), req.Sender)
		} else {
			err = g.WhitelistAdd(c.Context(), req.Sender)
		}
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"sender": req.Sender, "whitelisted": !req.Remove})
	})

	admin.Get("/ledger", func(c fiber.Ctx) error {
		snap, err := g.LedgerSnapshot(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(snap)
	})

	return app
}

// adminAuth guards the admin group with a shared key. An unset key disables
// the whole group rather than leaving it open.
func adminAuth(key string, log *slog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if key == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin API disabled: no admin key configured"})
		}
		got := c.Get(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			log.Warn("admin request rejected", "path", c.Path(), "ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid admin key"})
		}
		return c.Next()
	}
}

func parseTier(s string) threat.Tier {
	switch s {
	case "medium":
		return threat.TierMedium
	case "high":
		return threat.TierHigh
	case "critical":
		return threat.TierCritical
	default:
		return threat.TierLow
	}
}
