package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Status constants for sync and rollback outcomes.
const (
	StatusSynced         = "synced"
	StatusNoChange       = "no_change"
	StatusSyncFailed     = "sync_failed"
	StatusProjectUnknown = "project_unknown"
	StatusRolledBack     = "rolled_back"
	StatusNoPriorVersion = "no_prior_version"
	StatusRollbackFailed = "rollback_failed"
)

// Failure reasons attached to a failed sync.
const (
	ReasonTransientExhausted = "transient_exhausted"
	ReasonNonTransient       = "non_transient"
	ReasonIntegrityMismatch  = "integrity_mismatch"
	ReasonStorage            = "storage_failure"
)

// ProjectEntry maps a registered project name to its remote source locator.
type ProjectEntry struct {
	Name          string
	SourceLocator string
}

// Version is one fetched release of a project, durably stored and never
// mutated after creation.
type Version struct {
	ID              string        `json:"id"`
	FetchedAt       time.Time     `json:"fetched_at"`
	SourceReference string        `json:"source_reference"`
	PayloadLocation string        `json:"payload_location"`
	ContentDigest   digest.Digest `json:"content_digest"`
}

// SyncResult is the terminal outcome of a sync operation.
type SyncResult struct {
	Status  string   `json:"status"`
	Project string   `json:"project"`
	Version *Version `json:"version,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// RollbackResult is the terminal outcome of a rollback operation.
type RollbackResult struct {
	Status  string   `json:"status"`
	Project string   `json:"project"`
	Version *Version `json:"version,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}
