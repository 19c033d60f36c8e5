// Package guard wires the detection layers into one evaluation pipeline:
// ledger short-circuits, heuristic scan, persona check, optional semantic
// similarity, gated LLM review, and the mode-policy resolver.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/luminestory/bulwark/pkg/audit"
	"github.com/luminestory/bulwark/pkg/config"
	"github.com/luminestory/bulwark/pkg/defense"
	"github.com/luminestory/bulwark/pkg/ledger"
	"github.com/luminestory/bulwark/pkg/patterns"
	"github.com/luminestory/bulwark/pkg/persona"
	"github.com/luminestory/bulwark/pkg/review"
	"github.com/luminestory/bulwark/pkg/scanner"
	"github.com/luminestory/bulwark/pkg/semantic"
	"github.com/luminestory/bulwark/pkg/stats"
	"github.com/luminestory/bulwark/pkg/threat"
)

const incidentSnippetLimit = 160

// semanticRuleID is the synthetic rule name recorded when the similarity
// layer fires. It shares the rule-hit namespace with the heuristic registry.
const semanticRuleID = "semantic-similarity"

// Decision is the pipeline's answer for one message.
type Decision struct {
	Action  threat.Action `json:"action"`
	Tier    threat.Tier   `json:"tier"`
	Score   float64       `json:"score"`
	Matched []string      `json:"matched,omitempty"`
	Reason  string        `json:"reason,omitempty"`

	Persona *persona.Assessment `json:"persona,omitempty"`
	Review  *review.Outcome     `json:"review,omitempty"`

	Whitelisted bool   `json:"whitelisted,omitempty"`
	Banned      bool   `json:"banned,omitempty"`
	AutoBanned  bool   `json:"auto_banned,omitempty"`
	Offenses    int    `json:"offenses,omitempty"`
	IncidentID  string `json:"incident_id,omitempty"`
}

// Guard owns every pipeline collaborator. All methods are safe for
// concurrent use.
type Guard struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *patterns.Registry
	scanner  *scanner.Scanner
	persona  *persona.Detector
	engine   *review.Engine
	activity *review.ActivityState
	mode     *defense.State
	ledger   ledger.Ledger
	trail    *audit.Trail
	semantic *semantic.Detector
}

// Option customizes guard construction.
type Option func(*Guard)

// WithLedger replaces the default in-memory ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(g *Guard) { g.ledger = l }
}

// WithSemantic attaches an embedding-similarity detector. It is consulted
// only once its Init has succeeded.
func WithSemantic(d *semantic.Detector) Option {
	return func(g *Guard) { g.semantic = d }
}

// WithArchiver forwards evicted incidents to an external sink.
func WithArchiver(a audit.Archiver) Option {
	return func(g *Guard) { g.trail.SetArchiver(a) }
}

// New builds a guard from config. Overlay and profile files named in the
// config are loaded here so a bad deployment fails at startup, not on the
// first message.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	reg := patterns.NewRegistry()
	if cfg.RulesFile != "" {
		if err := reg.ApplyOverlayFile(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("rule overlay: %w", err)
		}
	}

	var pd *persona.Detector
	if cfg.PersonaEnabled {
		pd = persona.New(cfg.PersonaSensitivity)
		if cfg.PersonaProfileFile != "" {
			if err := pd.LoadProfilesFile(cfg.PersonaProfileFile); err != nil {
				return nil, fmt.Errorf("persona profiles: %w", err)
			}
		}
	}

	initial := review.ActivityStandby
	if cfg.ReviewProvider == config.ProviderNone {
		initial = review.ActivityDisabled
	}

	g := &Guard{
		cfg:      cfg,
		log:      log,
		registry: reg,
		scanner:  scanner.New(reg, cfg.Thresholds),
		persona:  pd,
		engine:   review.NewEngine(cfg, log),
		activity: review.NewActivityState(initial, cfg.ReviewIdleWindow),
		mode:     defense.NewState(defense.ModeAegis),
		ledger:   ledger.NewMemoryLedger(cfg.OffenseWindow),
		trail:    audit.NewTrail(cfg.AuditCapacity),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate runs the full pipeline for one message. Ledger lookup failures
// are logged and treated as misses so a storage outage degrades to
// heuristics-only operation instead of dropping traffic.
func (g *Guard) Evaluate(ctx context.Context, msg threat.Message) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	if ok, err := g.ledger.Whitelisted(ctx, msg.Sender); err != nil {
		g.log.Warn("whitelist lookup failed", "sender", msg.Sender, "error", err)
	} else if ok {
		g.trail.LogReview(audit.ReviewEvent{
			At:     msg.At,
			Sender: msg.Sender,
			Result: "skipped",
			Reason: "whitelisted sender",
		})
		stats.Messages.WithLabelValues(threat.ActionAllow.String()).Inc()
		return Decision{Action: threat.ActionAllow, Whitelisted: true, Reason: "whitelisted sender"}, nil
	}

	if entry, banned, err := g.ledger.CheckBan(ctx, msg.Sender); err != nil {
		g.log.Warn("ban lookup failed", "sender", msg.Sender, "error", err)
	} else if banned {
		dec := Decision{
			Action: threat.ActionBlock,
			Banned: true,
			Reason: banReason(entry),
		}
		inc := g.trail.Append(audit.Incident{
			Sender:  msg.Sender,
			Session: msg.Session,
			Channel: msg.Channel,
			Snippet: truncate(msg.Text, incidentSnippetLimit),
			Action:  dec.Action,
			Reason:  dec.Reason,
			Banned:  true,
		})
		dec.IncidentID = inc.ID
		stats.Messages.WithLabelValues(dec.Action.String()).Inc()
		return dec, nil
	}

	// Command routing is only a scanning exemption; it never outranks the
	// ledger, so a banned sender cannot hide behind a leading slash.
	if g.cfg.SkipCommandMessages && strings.HasPrefix(msg.Text, "/") {
		return Decision{Action: threat.ActionAllow, Reason: "command message"}, nil
	}

	scan := g.scanner.Scan(msg.Text)
	for _, id := range scan.Matched {
		category := ""
		if rule, ok := g.registry.Get(id); ok {
			category = string(rule.Category)
		}
		stats.RuleHits.WithLabelValues(id, category).Inc()
	}

	if g.semantic != nil && g.semantic.Ready() {
		if res, err := g.semantic.Detect(ctx, msg.Text); err != nil {
			g.log.Warn("semantic detection failed", "error", err)
		} else if res.Threat {
			scan.Matched = append(scan.Matched, semanticRuleID)
			scan.Score += float64(res.Score) * 10
			if scan.Tier < threat.TierMedium {
				scan.Tier = threat.TierMedium
			}
			stats.RuleHits.WithLabelValues(semanticRuleID, "semantic").Inc()
		}
	}

	var personaAsm *persona.Assessment
	personaAction := threat.ActionAllow
	if g.persona != nil {
		personaAsm = g.persona.Analyze(msg.Text, "")
		personaAction = personaAsm.Action
	}

	policy := defense.PolicyFor(g.Mode())

	var outcome *review.Outcome
	if g.shouldReview(scan.Tier, msg.Channel, policy) {
		o := g.engine.Review(ctx, msg.Text)
		if ctx.Err() != nil {
			// The caller gave up while the review was in flight; a late
			// verdict must not influence this or any later message.
			return Decision{}, ctx.Err()
		}
		outcome = &o
		g.activity.Observe(o)
		g.recordReview(msg, o)
	}

	action := Resolve(scan.Tier, personaAction, outcome, policy)

	dec := Decision{
		Action:  action,
		Tier:    scan.Tier,
		Score:   scan.Score,
		Matched: scan.Matched,
		Reason:  decisionReason(scan, personaAsm, outcome),
		Persona: personaAsm,
		Review:  outcome,
	}

	if g.cfg.AutoBanEnabled && banEligible(action, scan.Tier) {
		count, err := g.ledger.RecordOffense(ctx, msg.Sender)
		if err != nil {
			g.log.Warn("offense record failed", "sender", msg.Sender, "error", err)
		} else {
			dec.Offenses = count
			if count >= g.cfg.AutoBanAfter {
				entry := ledger.Entry{
					Sender: msg.Sender,
					Origin: ledger.OriginAuto,
					Reason: fmt.Sprintf("%d offenses at tier %s", count, scan.Tier),
				}
				if g.cfg.AutoBanDuration > 0 {
					entry.ExpiresAt = time.Now().Add(g.cfg.AutoBanDuration)
				}
				if err := g.ledger.Ban(ctx, entry); err != nil {
					g.log.Error("auto-ban failed", "sender", msg.Sender, "error", err)
				} else {
					dec.Action = threat.ActionBan
					dec.AutoBanned = true
					stats.AutoBans.Inc()
					g.log.Warn("sender auto-banned",
						"sender", msg.Sender, "offenses", count, "tier", scan.Tier.String())
				}
			}
		}
	}

	inc := audit.Incident{
		Sender:        msg.Sender,
		Session:       msg.Session,
		Channel:       msg.Channel,
		Snippet:       truncate(msg.Text, incidentSnippetLimit),
		Score:         scan.Score,
		Tier:          scan.Tier,
		Matched:       scan.Matched,
		Action:        dec.Action,
		Reason:        dec.Reason,
		AutoBanned:    dec.AutoBanned,
		PersonaAction: personaAction,
	}
	if personaAsm != nil {
		inc.PersonaReason = personaAsm.Reason
	}
	if outcome != nil {
		inc.Reviewed = true
		inc.ReviewConfirmed = outcome.Confirmed()
		if outcome.Verdict != nil {
			inc.ReviewConfidence = outcome.Verdict.Confidence
		}
		if outcome.Failed() {
			inc.ReviewFailure = outcome.Failure.String()
		}
	}
	dec.IncidentID = g.trail.Append(inc).ID

	stats.Messages.WithLabelValues(dec.Action.String()).Inc()
	if dec.Action.Blocking() {
		g.log.Info("message blocked",
			"sender", msg.Sender,
			"action", dec.Action.String(),
			"tier", scan.Tier.String(),
			"score", scan.Score,
			"rules", scan.Matched)
	}
	return dec, nil
}

// shouldReview decides whether this message earns an LLM second opinion.
// Active state reviews everything in scope; standby only escalated tiers.
func (g *Guard) shouldReview(tier threat.Tier, ch threat.Channel, policy defense.Policy) bool {
	act := g.activity.Mode()
	if act == review.ActivityDisabled {
		return false
	}
	if ch == threat.ChannelPrivate && !g.cfg.ReviewPrivateChat {
		return false
	}
	if act == review.ActivityActive {
		return true
	}
	return tier.AtLeast(threat.TierMedium) || policy.ReviewTiers[tier]
}

func (g *Guard) recordReview(msg threat.Message, o review.Outcome) {
	ev := audit.ReviewEvent{
		At:        o.CompletedAt,
		Sender:    msg.Sender,
		Result:    reviewResult(o),
		Confirmed: o.Confirmed(),
	}
	if o.Verdict != nil {
		ev.Confidence = o.Verdict.Confidence
		ev.Reason = o.Verdict.Reason
	}
	g.trail.LogReview(ev)
	stats.Reviews.WithLabelValues(ev.Result).Inc()
}

func reviewResult(o review.Outcome) string {
	if o.Failed() {
		return o.Failure.String()
	}
	if o.Confirmed() {
		return "confirmed"
	}
	return "clean"
}

func banReason(e ledger.Entry) string {
	if e.Reason != "" {
		return "sender banned: " + e.Reason
	}
	return "sender banned"
}

func decisionReason(scan scanner.Assessment, pa *persona.Assessment, o *review.Outcome) string {
	var parts []string
	if scan.Reason != "" {
		parts = append(parts, scan.Reason)
	}
	if pa != nil && pa.Action > threat.ActionAllow {
		parts = append(parts, pa.Reason)
	}
	if o != nil && o.Confirmed() {
		parts = append(parts, "review confirmed injection")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
