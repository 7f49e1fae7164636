package workflowsource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Memory is an in-process Source used in dev mode and tests. Faults set on the
// exported fields are returned by the matching calls.
type Memory struct {
	mu          sync.Mutex
	workflows   map[string]json.RawMessage
	credentials []domain.Credential
	nextID      int

	creates int
	updates int
	deletes int

	// ListErr fails ListWorkflows and GetWorkflow.
	ListErr error
	// WriteErr fails every create and update.
	WriteErr error
	// FailWrites fails create/update for workflows whose name is a key.
	FailWrites map[string]error
	// LostAcks applies the next create/update for workflows whose name is a
	// key and then returns the error once, like a write that timed out after
	// it landed.
	LostAcks map[string]error
	// CredentialsErr fails ListCredentials.
	CredentialsErr error
}

func NewMemory() *Memory {
	return &Memory{workflows: map[string]json.RawMessage{}, FailWrites: map[string]error{}, LostAcks: map[string]error{}}
}

// Seed stores a workflow under id, overwriting any existing one.
func (m *Memory) Seed(id string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[id] = withID(payload, id)
}

func (m *Memory) SetCredentials(creds ...domain.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = append([]domain.Credential(nil), creds...)
}

// Mutations returns the number of create, update and delete calls that succeeded.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates + m.updates + m.deletes
}

func (m *Memory) Counts() (creates, updates, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates, m.deletes
}

func (m *Memory) ListWorkflows(ctx context.Context) ([]domain.RawWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list workflows", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	ids := make([]string, 0, len(m.workflows))
	for id := range m.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.RawWorkflow, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.raw(id))
	}
	return out, nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (domain.RawWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawWorkflow{}, unavailable("get workflow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return domain.RawWorkflow{}, m.ListErr
	}
	if _, ok := m.workflows[id]; !ok {
		return domain.RawWorkflow{}, fmt.Errorf("get workflow %s: %w", id, ErrNotFound)
	}
	return m.raw(id), nil
}

func (m *Memory) CreateWorkflow(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("create workflow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(payload); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	for m.workflows[id] != nil {
		m.nextID++
		id = fmt.Sprintf("mem-%d", m.nextID)
	}
	m.workflows[id] = withID(payload, id)
	m.creates++
	if err := m.lostAck(payload); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("update workflow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return fmt.Errorf("update workflow %s: %w", id, ErrNotFound)
	}
	if err := m.writeFault(payload); err != nil {
		return err
	}
	m.workflows[id] = withID(payload, id)
	m.updates++
	return m.lostAck(payload)
}

func (m *Memory) DeleteWorkflow(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete workflow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return fmt.Errorf("delete workflow %s: %w", id, ErrNotFound)
	}
	delete(m.workflows, id)
	m.deletes++
	return nil
}

func (m *Memory) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list credentials", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CredentialsErr != nil {
		return nil, m.CredentialsErr
	}
	return append([]domain.Credential(nil), m.credentials...), nil
}

func (m *Memory) writeFault(payload []byte) error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	var head workflowHead
	_ = json.Unmarshal(payload, &head)
	if err, ok := m.FailWrites[strings.TrimSpace(head.Name)]; ok {
		return err
	}
	return nil
}

func (m *Memory) lostAck(payload []byte) error {
	var head workflowHead
	_ = json.Unmarshal(payload, &head)
	name := strings.TrimSpace(head.Name)
	err := m.LostAcks[name]
	delete(m.LostAcks, name)
	return err
}

func (m *Memory) raw(id string) domain.RawWorkflow {
	payload := m.workflows[id]
	var head workflowHead
	_ = json.Unmarshal(payload, &head)
	return domain.RawWorkflow{ID: id, Name: head.Name, Payload: append(json.RawMessage(nil), payload...)}
}

func withID(payload []byte, id string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return append(json.RawMessage(nil), payload...)
	}
	idJSON, _ := json.Marshal(id)
	fields["id"] = idJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return out
}

// MemoryResolver serves Memory sources keyed by environment id.
type MemoryResolver struct {
	mu      sync.Mutex
	sources map[string]*Memory
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{sources: map[string]*Memory{}}
}

// Source returns the Memory for envID, creating it on first use.
func (r *MemoryResolver) Source(envID string) *Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[envID]
	if !ok {
		src = NewMemory()
		r.sources[envID] = src
	}
	return src
}

func (r *MemoryResolver) SourceFor(_ context.Context, env domain.Environment) (Source, error) {
	return r.Source(env.ID), nil
}
