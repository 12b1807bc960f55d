// Package gate guards every orchestrator entry point. Admission runs four
// checks in order: permission, rate limit, quota, and privacy-mode
// compatibility. Denials are audited and never retried.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/fault"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/pkg/types"
)

// Permission tags known to the gate.
const (
	PermBasicChat = "ai:basic_chat"
	PermVoice     = "ai:voice"
	PermFamily    = "ai:family_management"
	PermWorkspace = "ai:workspace"
	PermCommerce  = "ai:commerce"
	PermAdmin     = "ai:admin"
)

// Gated operation names.
const (
	OpProcessMessage = "process_message"
	OpProcessVoice   = "process_voice"
	OpCreateSession  = "create_session"
	OpEndSession     = "end_session"
	OpSubscribe      = "subscribe"
)

// rateWindow is the fixed rate-limit window length.
const rateWindow = time.Minute

// agentPermissions maps each agent kind to the permission it requires.
var agentPermissions = map[types.AgentKind]string{
	types.AgentFamily:    PermFamily,
	types.AgentPersonal:  PermBasicChat,
	types.AgentWorkspace: PermWorkspace,
	types.AgentCommerce:  PermCommerce,
	types.AgentSecurity:  PermAdmin,
	types.AgentVoice:     PermVoice,
}

// rolePermissions maps role tags to the permissions they imply. Users carry
// roles from the external auth layer; the gate resolves them here.
var rolePermissions = map[string][]string{
	"admin":            {PermAdmin, PermBasicChat, PermVoice, PermFamily, PermWorkspace, PermCommerce},
	"member":           {PermBasicChat, PermVoice, PermCommerce},
	"family_owner":     {PermBasicChat, PermFamily},
	"workspace_member": {PermBasicChat, PermWorkspace},
}

// RequiredPermission resolves the permission tag an agent kind demands.
func RequiredPermission(kind types.AgentKind) string {
	if perm, ok := agentPermissions[kind]; ok {
		return perm
	}
	return PermBasicChat
}

// HasPermission reports whether the user carries perm directly or through a
// role.
func HasPermission(user types.UserContext, perm string) bool {
	if user.HasPermission(perm) {
		return true
	}
	for _, role := range user.Roles {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Check describes one admission request.
type Check struct {
	User      types.UserContext
	Operation string
	AgentKind types.AgentKind

	// ToolName is set for tool-related admissions and recorded in the audit
	// trail.
	ToolName string

	// Session enables the privacy-mode compatibility check when the operation
	// targets an existing session.
	Session *types.Session
}

// Gate performs admission control backed by the store's counters.
type Gate struct {
	store  *store.Store
	quota  config.QuotaConfig
	rate   config.RateLimitConfig
	logger *slog.Logger

	// now is swappable for window boundary tests.
	now func() time.Time
}

// New constructs a gate.
func New(st *store.Store, quota config.QuotaConfig, rate config.RateLimitConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  st,
		quota:  quota,
		rate:   rate,
		logger: logger,
		now:    time.Now,
	}
}

// Admit runs the four checks in order and, for message-bearing operations,
// increments the rate and quota counters on success. A non-nil error is a
// denial and must surface without retry.
func (g *Gate) Admit(ctx context.Context, check Check) error {
	if err := g.checkPermission(check); err != nil {
		g.audit(ctx, check, err)
		return err
	}

	if countsAgainstQuota(check.Operation) {
		if err := g.checkRate(ctx, check); err != nil {
			g.audit(ctx, check, err)
			return err
		}
		if err := g.checkQuota(ctx, check); err != nil {
			g.audit(ctx, check, err)
			return err
		}
	}

	if err := g.checkPrivacy(check); err != nil {
		g.audit(ctx, check, err)
		return err
	}

	if countsAgainstQuota(check.Operation) {
		if err := g.consume(ctx, check.User.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) checkPermission(check Check) error {
	required := RequiredPermission(check.AgentKind)
	if !HasPermission(check.User, required) {
		return fault.New(fault.KindPermissionDenied, "you are not allowed to use this agent").
			WithHint("ask an administrator for the " + required + " permission")
	}
	// Voice operations need the voice permission on top of the destination
	// agent's.
	if check.Operation == OpProcessVoice && !HasPermission(check.User, PermVoice) {
		return fault.New(fault.KindPermissionDenied, "voice interaction is not enabled for your account").
			WithHint("ask an administrator for the " + PermVoice + " permission")
	}
	return nil
}

func (g *Gate) checkRate(ctx context.Context, check Check) error {
	count, err := g.store.RateCount(ctx, check.User.UserID, rateWindow, g.now())
	if err != nil {
		return fault.Wrap(fault.KindInternal, "admission check failed", err)
	}
	if count >= int64(g.rate.PerMinute) {
		return fault.New(fault.KindRateLimited, "too many requests").
			WithHint("slow down and retry in a minute")
	}
	return nil
}

func (g *Gate) checkQuota(ctx context.Context, check Check) error {
	now := g.now()
	hourly, err := g.store.QuotaCount(ctx, store.QuotaHourly, check.User.UserID, now)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "admission check failed", err)
	}
	if hourly >= int64(g.quota.RequestsPerHour) {
		return fault.New(fault.KindQuotaExceeded, "hourly request quota reached").
			WithHint("retry after the window resets")
	}
	daily, err := g.store.QuotaCount(ctx, store.QuotaDaily, check.User.UserID, now)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "admission check failed", err)
	}
	if daily >= int64(g.quota.RequestsPerDay) {
		return fault.New(fault.KindQuotaExceeded, "daily request quota reached").
			WithHint("retry after the window resets")
	}
	return nil
}

func (g *Gate) checkPrivacy(check Check) error {
	sess := check.Session
	if sess == nil {
		return nil
	}
	switch sess.Privacy {
	case types.PrivacyFamilyShared:
		familyID := sess.Metadata["family_id"]
		if familyID == "" || !check.User.InFamily(familyID) {
			return fault.New(fault.KindPermissionDenied, "this session is shared within a family you are not part of")
		}
	case types.PrivacyPrivate, types.PrivacyEncrypted, types.PrivacyEphemeral:
		if sess.UserID != check.User.UserID {
			return fault.New(fault.KindSessionNotFound, "session not found")
		}
	}
	return nil
}

// consume increments the rate and quota counters after a successful
// admission. Expiries are anchored to their clock windows by the store.
func (g *Gate) consume(ctx context.Context, userID string) error {
	now := g.now()
	if _, err := g.store.IncrRateLimit(ctx, userID, rateWindow, now); err != nil {
		return fault.Wrap(fault.KindInternal, "could not record request", err)
	}
	if _, err := g.store.IncrQuota(ctx, store.QuotaHourly, userID, now); err != nil {
		return fault.Wrap(fault.KindInternal, "could not record request", err)
	}
	if _, err := g.store.IncrQuota(ctx, store.QuotaDaily, userID, now); err != nil {
		return fault.Wrap(fault.KindInternal, "could not record request", err)
	}
	return nil
}

// denialRecord is the audit entry written for each gate denial.
type denialRecord struct {
	Time      time.Time `json:"time"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	AgentKind string    `json:"agent_kind,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
}

func (g *Gate) audit(ctx context.Context, check Check, denial error) {
	fe := fault.As(denial)
	rec := denialRecord{
		Time:      g.now(),
		UserID:    check.User.UserID,
		Operation: check.Operation,
		AgentKind: string(check.AgentKind),
		ToolName:  check.ToolName,
		Kind:      string(fe.Kind),
		Severity:  string(fe.Severity()),
	}
	if err := g.store.AppendAudit(ctx, rec.Time, rec); err != nil {
		g.logger.Warn("audit write failed", "user_id", check.User.UserID, "error", err)
	}
	g.logger.Info("admission denied",
		"user_id", check.User.UserID,
		"operation", check.Operation,
		"kind", fe.Kind)
}

func countsAgainstQuota(operation string) bool {
	return operation == OpProcessMessage || operation == OpProcessVoice
}
