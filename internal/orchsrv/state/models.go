package state

import (
	"time"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

// StackState is the lifecycle state of a tenant stack. Transient states are
// only ever held for the duration of one operation; every operation exits
// its transient state exactly once, to a stable or failure-stable state.
type StackState string

const (
	StatePending         StackState = "pending"
	StateProvisioning    StackState = "provisioning"
	StateRunning         StackState = "running"
	StateStopped         StackState = "stopped"
	StateUpgrading       StackState = "upgrading"
	StateRollingBack     StackState = "rolling-back"
	StateDecommissioning StackState = "decommissioning"
	StateDecommissioned  StackState = "decommissioned"
	StateProvisionFailed StackState = "provision-failed"
	StateUpgradeFailed   StackState = "upgrade-failed"
)

// Transient reports whether the state is an in-flight operation state.
func (s StackState) Transient() bool {
	switch s {
	case StateProvisioning, StateUpgrading, StateRollingBack, StateDecommissioning:
		return true
	}
	return false
}

// Stable reports whether the state allows a new operation to start.
func (s StackState) Stable() bool {
	switch s {
	case StateRunning, StateStopped, StateProvisionFailed, StateUpgradeFailed:
		return true
	}
	return false
}

// Terminal reports whether the tenant is decommissioned for good.
func (s StackState) Terminal() bool {
	return s == StateDecommissioned
}

// OperationKind identifies one lifecycle command.
type OperationKind string

const (
	OpProvision    OperationKind = "provision"
	OpStart        OperationKind = "start"
	OpStop         OperationKind = "stop"
	OpUpgrade      OperationKind = "upgrade"
	OpRollback     OperationKind = "rollback"
	OpDecommission OperationKind = "decommission"
	OpBackup       OperationKind = "backup"
	OpRestore      OperationKind = "restore"
)

// OperationOutcome is the terminal result of an operation, empty while the
// operation is still in flight.
type OperationOutcome string

const (
	OutcomePending   OperationOutcome = ""
	OutcomeSucceeded OperationOutcome = "succeeded"
	OutcomeFailed    OperationOutcome = "failed"
)

// OperationRecord is the persisted trace of a tenant's last operation.
type OperationRecord struct {
	HandleID    string           `json:"handle_id"`
	Kind        OperationKind    `json:"kind"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Outcome     OperationOutcome `json:"outcome,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
}

// Terminal reports whether the operation has finished.
func (o *OperationRecord) Terminal() bool {
	return o != nil && o.Outcome != OutcomePending
}

// HealthVerdict is the composite tenant health.
type HealthVerdict string

const (
	VerdictHealthy   HealthVerdict = "healthy"
	VerdictDegraded  HealthVerdict = "degraded"
	VerdictUnhealthy HealthVerdict = "unhealthy"
)

// ServiceHealth is one service's probe result.
type ServiceHealth struct {
	Service   string               `json:"service"`
	Kind      template.ServiceKind `json:"kind"`
	Reachable bool                 `json:"reachable"`
	LatencyMS int64                `json:"latency_ms"`
	Error     string               `json:"error,omitempty"`
}

// HealthResult is a composite health verdict with per-service detail.
type HealthResult struct {
	Verdict   HealthVerdict   `json:"verdict"`
	Services  []ServiceHealth `json:"services"`
	CheckedAt time.Time       `json:"checked_at"`
}

// TenantStack is the durable record of one tenant's stack. The state store
// is the single source of truth; container inspection only validates it.
// State and CurrentVersion are mutated exclusively by the orchestrator
// inside an operation, persisted via compare-and-set on Revision.
type TenantStack struct {
	TenantID        string                `json:"tenant_id"`
	State           StackState            `json:"state"`
	CurrentVersion  string                `json:"current_version,omitempty"`
	Tier            template.ResourceTier `json:"tier"`
	NetworkName     string                `json:"network_name"`
	ServiceNames    []string              `json:"service_names,omitempty"`
	Degraded        bool                  `json:"degraded,omitempty"`
	LastHealth      *HealthResult         `json:"last_health,omitempty"`
	LastOperation   *OperationRecord      `json:"last_operation,omitempty"`
	UnhealthyStreak int                   `json:"unhealthy_streak,omitempty"`
	Revision        int64                 `json:"revision"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// BackupKind classifies why a backup was taken.
type BackupKind string

const (
	BackupFull       BackupKind = "full"
	BackupConfigOnly BackupKind = "config-only"
	BackupPreUpgrade BackupKind = "pre-upgrade"
)

func (k BackupKind) Valid() bool {
	switch k {
	case BackupFull, BackupConfigOnly, BackupPreUpgrade:
		return true
	}
	return false
}

// BackupStatus is the lifecycle of a backup record. In-progress records are
// never reaped.
type BackupStatus string

const (
	BackupInProgress BackupStatus = "in-progress"
	BackupComplete   BackupStatus = "complete"
	BackupFailed     BackupStatus = "failed"
	BackupExpired    BackupStatus = "expired"
)

// BackupRecord is one backup of one tenant, ordered by CreatedAt.
type BackupRecord struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Kind            BackupKind   `json:"kind"`
	Status          BackupStatus `json:"status"`
	StackVersion    string       `json:"stack_version"`
	ArchiveLocation string       `json:"archive_location,omitempty"`
	SizeBytes       int64        `json:"size_bytes,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	RetentionUntil  time.Time    `json:"retention_until"`
	ErrorDetail     string       `json:"error_detail,omitempty"`
}

// Reapable reports whether the retention sweep may delete this record once
// past its retention horizon.
func (b *BackupRecord) Reapable(now time.Time) bool {
	if b.Status == BackupInProgress {
		return false
	}
	return now.After(b.RetentionUntil)
}
