package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/env"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/platform/requestid"
)

type Config struct {
	Secret  string
	MaxSkew time.Duration
	// Trust skips signature checks. Only valid when no secret is configured.
	Trust bool
}

func ConfigFromEnv() (Config, error) {
	skew, err := env.Duration("FLOWGATE_INTERNAL_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	secret := env.String("FLOWGATE_INTERNAL_AUTH_SECRET", "")
	return Config{Secret: secret, MaxSkew: skew, Trust: strings.TrimSpace(secret) == ""}, nil
}

// DenyEvent describes a rejected request for auditing.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	TenantID   string
	ActorID    string
	Role       string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

type Middleware struct {
	Logger       *slog.Logger
	Config       Config
	Audit        AuditFunc
	SkipPrefixes []string
	Now          func() time.Time
}

type ctxKey struct{}

func WithContext(ctx context.Context, tc domain.TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

func FromContext(ctx context.Context) (domain.TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(domain.TenantContext)
	return tc, ok
}

// Extract reads and verifies the tenant headers on r.
func (m Middleware) Extract(r *http.Request) (domain.TenantContext, error) {
	claims := Claims{
		Timestamp: r.Header.Get(HeaderAuthTimestamp),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get(requestid.Header),
		TenantID:  strings.TrimSpace(r.Header.Get(HeaderTenant)),
		ActorID:   strings.TrimSpace(r.Header.Get(HeaderActor)),
		Role:      strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole))),
	}
	if claims.TenantID == "" || claims.ActorID == "" {
		return domain.TenantContext{}, ErrUnauthenticated
	}
	if claims.Role == "" {
		claims.Role = RoleViewer
	}
	if !KnownRole(claims.Role) {
		return domain.TenantContext{}, errors.New("unknown role")
	}
	if !m.Config.Trust {
		now := time.Now().UTC()
		if m.Now != nil {
			now = m.Now()
		}
		if err := VerifyTimestamp(claims.Timestamp, now, m.Config.MaxSkew); err != nil {
			return domain.TenantContext{}, err
		}
		if err := Verify(m.Config.Secret, claims, r.Header.Get(HeaderAuthSignature)); err != nil {
			return domain.TenantContext{}, err
		}
	}
	return domain.TenantContext{TenantID: claims.TenantID, ActorID: claims.ActorID, Role: claims.Role}, nil
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		tc, err := m.Extract(r)
		if err != nil {
			reason := "invalid_signature"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthenticated"
			}
			m.deny(r, tc, http.StatusUnauthorized, reason, err)
			httpserver.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "")
			return
		}

		if required := RequiredRoleForRequest(r); !HasAtLeast(tc.Role, required) {
			m.deny(r, tc, http.StatusForbidden, "forbidden", ErrForbidden)
			httpserver.WriteError(w, r, http.StatusForbidden, "forbidden", "role "+required+" required")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

func (m Middleware) deny(r *http.Request, tc domain.TenantContext, status int, reason string, err error) {
	if tc.TenantID == "" {
		tc.TenantID = strings.TrimSpace(r.Header.Get(HeaderTenant))
		tc.ActorID = strings.TrimSpace(r.Header.Get(HeaderActor))
		tc.Role = strings.TrimSpace(r.Header.Get(HeaderRole))
	}
	rid := r.Header.Get(requestid.Header)
	if m.Logger != nil {
		m.Logger.Warn("request denied",
			"request_id", rid,
			"status", status,
			"reason", reason,
			"tenant_id", tc.TenantID,
			"actor_id", tc.ActorID,
			"error", err,
		)
	}
	if m.Audit == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if aerr := m.Audit(r.Context(), DenyEvent{
		Time:       time.Now().UTC(),
		Status:     status,
		Reason:     reason,
		Error:      errMsg,
		RequestID:  rid,
		Method:     r.Method,
		Path:       r.URL.Path,
		TenantID:   tc.TenantID,
		ActorID:    tc.ActorID,
		Role:       tc.Role,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}); aerr != nil && m.Logger != nil {
		m.Logger.Error("audit deny failed", "request_id", rid, "error", aerr)
	}
}
