package pipeline

import (
	"time"

	"github.com/agentport/host/internal/config"
	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/protocol"
)

// Conventional stage names used by the server's default pipeline.
const (
	StageLogging     = "logging"
	StageAuthGate    = "authGate"
	StagePermissions = "permissions"
	StageRateLimit   = "rateLimit"
	StageDispatch    = "dispatch"
)

// SessionChecker is the slice of the auth service the built-in gates
// need.
type SessionChecker interface {
	IsAuthenticated(sessionID string) bool
	CheckRateLimit(sessionID string) bool
}

// Logging returns a stage that records method, id, latency, and outcome
// for every request passing through it.
func Logging() Stage {
	return func(ctx *Context, next NextFunc) *protocol.Response {
		resp := next()

		elapsed := time.Since(ctx.StartedAt)
		switch {
		case resp == nil:
			logger.Warn("Request %s (id=%v) produced no response after %s", ctx.Request.Method, ctx.Request.ID, elapsed)
		case resp.Error != nil:
			logger.Info("Request %s (id=%v) failed in %s: %d %s", ctx.Request.Method, ctx.Request.ID, elapsed, resp.Error.Code, resp.Error.Message)
		default:
			logger.Debug("Request %s (id=%v) completed in %s", ctx.Request.Method, ctx.Request.ID, elapsed)
		}
		return resp
	}
}

// AuthGate returns a stage rejecting unauthenticated clients. Methods in
// allowedMethods (the auth handshake and pairing initiation) pass
// through regardless.
func AuthGate(sessions SessionChecker, allowedMethods []string) Stage {
	allowed := make(map[string]struct{}, len(allowedMethods))
	for _, m := range allowedMethods {
		allowed[m] = struct{}{}
	}

	return func(ctx *Context, next NextFunc) *protocol.Response {
		if _, ok := allowed[ctx.Request.Method]; ok {
			return next()
		}
		sid := ctx.Client.SessionID()
		if sid == "" || !sessions.IsAuthenticated(sid) {
			return protocol.NewErrorResponse(ctx.Request.ID, protocol.ErrNotAuthenticated)
		}
		return next()
	}
}

// PermissionGate returns a stage rejecting method categories absent
// from the configured allow-list. These are policy rejections, not
// defects.
func PermissionGate(cfg *config.Config) Stage {
	return func(ctx *Context, next NextFunc) *protocol.Response {
		category, _ := protocol.SplitMethod(ctx.Request.Method)
		if !cfg.CategoryAllowed(category) {
			return protocol.NewErrorResponse(ctx.Request.ID,
				protocol.NewError(protocol.CodeFeatureDisabled, "Feature disabled: "+category))
		}
		return next()
	}
}

// RateLimit returns a stage enforcing the per-session sliding window.
// Requests without a session (pre-auth allow-listed methods) pass
// through; the auth gate decides their fate.
func RateLimit(sessions SessionChecker) Stage {
	return func(ctx *Context, next NextFunc) *protocol.Response {
		sid := ctx.Client.SessionID()
		if sid != "" && !sessions.CheckRateLimit(sid) {
			return protocol.NewErrorResponse(ctx.Request.ID, protocol.ErrRateLimited)
		}
		return next()
	}
}
