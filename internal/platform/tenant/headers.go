// Package tenant extracts the caller's TenantContext from gateway-signed
// request headers and enforces the role required for each route.
package tenant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTenant = "X-Flowgate-Tenant"
	HeaderActor  = "X-Flowgate-Actor"
	HeaderRole   = "X-Flowgate-Role"

	HeaderAuthTimestamp = "X-Flowgate-Auth-Ts"
	HeaderAuthSignature = "X-Flowgate-Auth-Sig"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Claims is the set of signed header values.
type Claims struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	TenantID  string
	ActorID   string
	Role      string
}

func (c Claims) canonical() string {
	parts := []string{
		strings.TrimSpace(c.Timestamp),
		strings.ToUpper(strings.TrimSpace(c.Method)),
		strings.TrimSpace(c.Path),
		strings.TrimSpace(c.RequestID),
		strings.TrimSpace(c.TenantID),
		strings.TrimSpace(c.ActorID),
		strings.ToLower(strings.TrimSpace(c.Role)),
	}
	return strings.Join(parts, "\n")
}

func Sign(secret string, c Claims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(c.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(c.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func Verify(secret string, c Claims, signature string) error {
	expected, err := Sign(secret, c)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: signature is required", ErrUnauthenticated)
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return fmt.Errorf("%w: timestamp is required", ErrUnauthenticated)
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	at := time.Unix(parsed, 0).UTC()
	if at.After(now.Add(maxSkew)) || at.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
