package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
)

// tokenPrefixLength is how much of a credential may appear in logs
const tokenPrefixLength = 8

// runtime holds the collaborators every engine shares. Server setters update it in
// place, so engines observe auditor, limiter, clock and instrumentation changes.
type runtime struct {
	config          *Config
	logger          *slog.Logger
	clock           security.Clock
	auditor         *security.Auditor
	eventLimiter    *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

func newRuntime(config *Config, logger *slog.Logger) *runtime {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &runtime{
		config: config,
		logger: logger,
		clock:  security.SystemClock,
	}
}

func (r *runtime) now() time.Time {
	return r.clock.Now()
}

// expired applies the configured clock skew grace period
func (r *runtime) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(r.now(), expiresAt, r.config.ClockSkewGracePeriod)
}

// metrics returns nil without instrumentation; every Metrics method is nil-safe
func (r *runtime) metrics() *instrumentation.Metrics {
	if r.instrumentation == nil {
		return nil
	}
	return r.instrumentation.Metrics()
}

func (r *runtime) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name)
}

// securityEvent runs emit unless the user+client pair is flooding the audit log
func (r *runtime) securityEvent(userID, clientID string, emit func(a *security.Auditor)) {
	if r.auditor == nil {
		return
	}
	if r.eventLimiter == nil || r.eventLimiter.Allow(userID+":"+clientID) {
		emit(r.auditor)
		return
	}
	r.logger.Debug("Security event suppressed by rate limiter",
		"user_id", userID,
		"client_id", clientID)
}

// generateRandomToken returns a 256-bit URL-safe random token.
// oauth2.GenerateVerifier produces 32 random bytes, base64url encoded without padding.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// prefix truncates a credential for logging
func prefix(token string) string {
	return util.SafeTruncate(token, tokenPrefixLength)
}
