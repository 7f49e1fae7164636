package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/animus-labs/flowgate/internal/platform/tenant"
)

// DenyRecorder adapts a Recorder to tenant.AuditFunc. Requests that carry no
// tenant are recorded under the "unknown" tenant.
func DenyRecorder(rec Recorder, service string) tenant.AuditFunc {
	return func(ctx context.Context, event tenant.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.ActorID) != "" {
			actor = strings.TrimSpace(event.ActorID)
		}
		tenantID := strings.TrimSpace(event.TenantID)
		if tenantID == "" {
			tenantID = "unknown"
		}
		var ip net.IP
		if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
			ip = net.ParseIP(host)
		}
		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			TenantID:     tenantID,
			Actor:        actor,
			Action:       "auth." + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			IP:           ip,
			UserAgent:    event.UserAgent,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"reason":  event.Reason,
				"error":   event.Error,
				"role":    event.Role,
			},
		})
	}
}
