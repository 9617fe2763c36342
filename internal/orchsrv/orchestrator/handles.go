package orchestrator

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
)

var ErrUnknownOperation apperrors.Error = orcherrors.ErrNotFound.New("unknown operation handle")

// HandleStatus is the pollable status of an asynchronous operation.
type HandleStatus string

const (
	HandlePending   HandleStatus = "pending"
	HandleRunning   HandleStatus = "running"
	HandleSucceeded HandleStatus = "succeeded"
	HandleFailed    HandleStatus = "failed"
)

// OperationHandle is returned immediately by every mutating call; its
// status can be polled until the underlying operation finishes.
type OperationHandle struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenant_id"`
	Kind        state.OperationKind `json:"kind"`
	Status      HandleStatus        `json:"status"`
	ErrorDetail string              `json:"error_detail,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// handleRegistry tracks in-flight and recently finished operations.
type handleRegistry struct {
	mu      sync.RWMutex
	handles map[string]*OperationHandle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{handles: make(map[string]*OperationHandle)}
}

func (r *handleRegistry) create(tenantID string, kind state.OperationKind) *OperationHandle {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the entropy source does
		id = "op-" + time.Now().UTC().Format("20060102150405.000000000")
	}
	h := &OperationHandle{
		ID:        id,
		TenantID:  tenantID,
		Kind:      kind,
		Status:    HandlePending,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
	return h
}

func (r *handleRegistry) setRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.Status = HandleRunning
	}
}

func (r *handleRegistry) finish(id string, opErr apperrors.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	h.FinishedAt = &now
	if opErr != nil {
		h.Status = HandleFailed
		h.ErrorDetail = opErr.Error()
		return
	}
	h.Status = HandleSucceeded
}

func (r *handleRegistry) get(id string) (*OperationHandle, apperrors.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, ErrUnknownOperation.Msg("no operation with id " + id)
	}
	out := *h
	return &out, nil
}
