package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
)

// Verification errors
var (
	// ErrUnknownKeyVersion is returned when the token names a key that is unknown or
	// past its verification window
	ErrUnknownKeyVersion = errors.New("unknown session key version")

	// ErrBadSignature is returned when the signature does not match the key
	ErrBadSignature = errors.New("bad session signature")

	// ErrExpired is returned when the session has expired
	ErrExpired = errors.New("session expired")

	// ErrNotYetValid is returned when the session's not-before lies in the future
	ErrNotYetValid = errors.New("session not yet valid")

	// ErrMalformed is returned when the token cannot be parsed
	ErrMalformed = errors.New("malformed session token")
)

// DefaultTTL is the session lifetime used when Config.TTL is unset
const DefaultTTL = 12 * time.Hour

// KeySource resolves signing keys. *keyset.KeySet implements it.
type KeySource interface {
	Active() keyset.SigningKey
	Get(ctx context.Context, version string) (keyset.SigningKey, bool)
}

// Claims describes an authenticated browser session.
type Claims struct {
	ID         string
	UserID     string
	IssuedAt   time.Time
	NotBefore  time.Time
	ExpiresAt  time.Time
	KeyVersion string
}

// tokenClaims is the JWT payload
type tokenClaims struct {
	jwt.RegisteredClaims
	KeyVersion string `json:"key_version"`
}

// Config configures an Engine
type Config struct {
	TTL    time.Duration // default: 12 hours
	Issuer string        // optional iss claim, enforced on verify when set

	// Leeway tolerates clock skew on exp/nbf checks
	Leeway time.Duration

	Clock  security.Clock
	Logger *slog.Logger
}

// Engine signs and verifies session tokens (HS256 JWTs) with the rotating key set.
// The key is selected by the key_version claim; the kid header mirrors it for
// external tooling.
type Engine struct {
	keys   KeySource
	ttl    time.Duration
	issuer string
	leeway time.Duration
	clock  security.Clock
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a session engine
func New(keys KeySource, cfg Config) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		keys:   keys,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		clock:  security.ClockOrSystem(cfg.Clock),
		logger: cfg.Logger,
	}
}

// SetInstrumentation enables session metrics and spans
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
	if inst != nil {
		e.tracer = inst.Tracer("session")
	}
}

// TTL returns the default session lifetime
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// Sign issues a session token for claims using the active key. Zero IssuedAt, NotBefore
// and ExpiresAt are filled from the clock and the configured TTL. KeyVersion is always
// the active key's version.
func (e *Engine) Sign(ctx context.Context, claims Claims) (string, error) {
	ctx, span := e.startSpan(ctx, "session.sign")
	defer span.End()

	if claims.UserID == "" {
		err := fmt.Errorf("session requires a user ID")
		instrumentation.RecordError(span, err)
		return "", err
	}

	key := e.keys.Active()
	if key.Version == "" || len(key.Secret) == 0 {
		instrumentation.RecordError(span, keyset.ErrNoActiveKey)
		return "", keyset.ErrNoActiveKey
	}

	now := e.clock.Now()
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = now
	}
	if claims.NotBefore.IsZero() {
		claims.NotBefore = claims.IssuedAt
	}
	if claims.ExpiresAt.IsZero() {
		claims.ExpiresAt = claims.IssuedAt.Add(e.ttl)
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			Issuer:    e.issuer,
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			NotBefore: jwt.NewNumericDate(claims.NotBefore),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		KeyVersion: key.Version,
	})
	token.Header["kid"] = key.Version

	signed, err := token.SignedString(key.Secret)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to sign session: %w", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrKeyVersion, key.Version))
	instrumentation.SetSpanSuccess(span)
	if e.instrumentation != nil {
		e.instrumentation.Metrics().RecordSessionSigned(ctx)
	}
	return signed, nil
}

// Verify checks the token's signature and lifetime and returns its claims
func (e *Engine) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	ctx, span := e.startSpan(ctx, "session.verify")
	defer span.End()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(e.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(e.leeway),
	}
	if e.issuer != "" {
		opts = append(opts, jwt.WithIssuer(e.issuer))
	}

	parsed := &tokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, parsed, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(*tokenClaims)
		if !ok {
			return nil, ErrMalformed
		}
		key, found := e.keys.Get(ctx, claims.KeyVersion)
		if !found {
			return nil, ErrUnknownKeyVersion
		}
		return key.Secret, nil
	}, opts...)
	if err != nil {
		err = classify(err)
		instrumentation.RecordError(span, err)
		if e.instrumentation != nil {
			e.instrumentation.Metrics().RecordSessionVerifyFailure(ctx, reason(err))
		}
		e.logger.Debug("Session verification failed", "error", err)
		return nil, err
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrKeyVersion, parsed.KeyVersion))
	instrumentation.SetSpanSuccess(span)

	claims := &Claims{
		ID:         parsed.ID,
		UserID:     parsed.Subject,
		KeyVersion: parsed.KeyVersion,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claims, nil
}

// classify maps jwt parser errors onto the package sentinels
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKeyVersion):
		return ErrUnknownKeyVersion
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrNotYetValid
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKeyVersion):
		return "unknown_key_version"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "bad_signature"
	}
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name)
}
