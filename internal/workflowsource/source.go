// Package workflowsource talks to the live workflow-automation instances that
// back each environment.
package workflowsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/flowgate/internal/domain"
)

// ErrNotFound is returned when the instance has no workflow with the given id.
var ErrNotFound = domain.ErrWorkflowNotFound

// Source is the Workflow Source contract. Network failures, timeouts and 5xx
// responses wrap domain.ErrSourceUnavailable.
type Source interface {
	ListWorkflows(ctx context.Context) ([]domain.RawWorkflow, error)
	GetWorkflow(ctx context.Context, id string) (domain.RawWorkflow, error)
	CreateWorkflow(ctx context.Context, payload []byte) (string, error)
	UpdateWorkflow(ctx context.Context, id string, payload []byte) error
	DeleteWorkflow(ctx context.Context, id string) error
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
}

// Resolver maps an environment to the Source serving it.
type Resolver interface {
	SourceFor(ctx context.Context, env domain.Environment) (Source, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, op, err)
}

// IsUnavailable reports whether err means the source could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrSourceUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
