package tenant

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer   = "viewer"
	RoleEditor   = "editor"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleEditor:   2,
	RoleApprover: 3,
	RoleAdmin:    4,
}

func KnownRole(role string) bool {
	return roleLevels[strings.ToLower(strings.TrimSpace(role))] > 0
}

func HasAtLeast(role string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	return roleLevels[strings.ToLower(strings.TrimSpace(role))] >= requiredLevel
}

// RequiredRoleForRequest: reads need viewer, approval decisions need
// approver, bootstrap-level changes need admin, everything else editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	path := strings.TrimRight(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/approve"), strings.HasSuffix(path, "/reject"):
		return RoleApprover
	case strings.HasSuffix(path, "/rollback"), strings.Contains(path, "/canonical/") && strings.HasSuffix(path, "/retire"):
		return RoleAdmin
	default:
		return RoleEditor
	}
}
