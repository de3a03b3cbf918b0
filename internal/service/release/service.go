package release

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/stenjo/esp-ota-server/internal/domain"
	"github.com/stenjo/esp-ota-server/internal/fetch"
	"github.com/stenjo/esp-ota-server/internal/lock"
	"github.com/stenjo/esp-ota-server/internal/store"
)

// Resolver maps project names to registry entries.
type Resolver interface {
	Resolve(name string) (domain.ProjectEntry, error)
	Names() []string
}

// Fetcher retrieves the latest published release for a source locator.
type Fetcher interface {
	Latest(ctx context.Context, locator string) (fetch.Release, error)
}

// Store persists version payloads and the per-project deployment state.
type Store interface {
	Commit(project string, payload []byte, sourceRef string) (domain.Version, error)
	Promote(project string, version domain.Version) error
	Demote(project string) (domain.Version, error)
	Current(project string) (domain.Version, bool, error)
}

// Service orchestrates version sync and rollback per project. All mutation
// of a project's deployment state happens under that project's lock.
type Service struct {
	registry Resolver
	store    Store
	fetcher  Fetcher
	locks    *lock.Manager
	logger   *slog.Logger
}

// New returns a release service.
func New(reg Resolver, st Store, fetcher Fetcher, locks *lock.Manager, logger *slog.Logger) Service {
	return Service{
		registry: reg,
		store:    st,
		fetcher:  fetcher,
		locks:    locks,
		logger:   logger,
	}
}

// Sync fetches the latest release of the project and atomically promotes it
// to active. A failed fetch or verify leaves the deployment state untouched;
// fetching identical content is a successful no-op.
func (s Service) Sync(ctx context.Context, project string) domain.SyncResult {
	entry, err := s.registry.Resolve(project)
	if err != nil {
		return domain.SyncResult{
			Status:  domain.StatusProjectUnknown,
			Project: project,
			Detail:  fmt.Sprintf("project %q is not registered", project),
		}
	}

	unlock := s.locks.Acquire(project)
	defer unlock()

	// A started sync runs to completion even if the requesting client goes
	// away; otherwise the lock could be released around a half-finished
	// fetch. The fetcher bounds each attempt with its own timeout.
	release, err := s.fetcher.Latest(context.WithoutCancel(ctx), entry.SourceLocator)
	if err != nil {
		reason := classifyFetchError(err)
		s.logger.Warn("sync fetch failed", "project", project, "reason", reason, "error", err)
		return domain.SyncResult{
			Status:  domain.StatusSyncFailed,
			Project: project,
			Reason:  reason,
			Detail:  err.Error(),
		}
	}

	current, ok, err := s.store.Current(project)
	if err != nil {
		return s.storageFailure(project, "read current version", err)
	}
	if ok && current.ContentDigest == release.Digest {
		s.logger.Info("sync found no change", "project", project, "tag", release.Tag, "digest", release.Digest)
		return domain.SyncResult{
			Status:  domain.StatusNoChange,
			Project: project,
			Version: &current,
			Detail:  fmt.Sprintf("already at %s", release.Tag),
		}
	}

	version, err := s.store.Commit(project, release.Payload, release.Tag)
	if err != nil {
		return s.storageFailure(project, "commit payload", err)
	}
	if err := s.store.Promote(project, version); err != nil {
		return s.storageFailure(project, "promote version", err)
	}

	s.logger.Info("project synced", "project", project, "tag", release.Tag, "version_id", version.ID, "digest", version.ContentDigest)
	return domain.SyncResult{
		Status:  domain.StatusSynced,
		Project: project,
		Version: &version,
		Detail:  fmt.Sprintf("synced %s", release.Tag),
	}
}

// Rollback atomically repoints the project to its previous retained version.
// It never contacts the remote source.
func (s Service) Rollback(ctx context.Context, project string) domain.RollbackResult {
	if _, err := s.registry.Resolve(project); err != nil {
		return domain.RollbackResult{
			Status:  domain.StatusProjectUnknown,
			Project: project,
			Detail:  fmt.Sprintf("project %q is not registered", project),
		}
	}

	unlock := s.locks.Acquire(project)
	defer unlock()

	version, err := s.store.Demote(project)
	if errors.Is(err, store.ErrNoPriorVersion) {
		return domain.RollbackResult{
			Status:  domain.StatusNoPriorVersion,
			Project: project,
			Detail:  "no retained version to roll back to",
		}
	}
	if err != nil {
		// Storage faults threaten the atomic-demote guarantee; the prior
		// state is intact but the rollback did not happen.
		s.logger.Error("rollback demote failed", "project", project, "error", err)
		return domain.RollbackResult{
			Status:  domain.StatusRollbackFailed,
			Project: project,
			Detail:  err.Error(),
		}
	}

	s.logger.Info("project rolled back", "project", project, "tag", version.SourceReference, "version_id", version.ID)
	return domain.RollbackResult{
		Status:  domain.StatusRolledBack,
		Project: project,
		Version: &version,
		Detail:  fmt.Sprintf("rolled back to %s", version.SourceReference),
	}
}

// Status returns the active version of a registered project.
func (s Service) Status(ctx context.Context, project string) (domain.Version, bool, error) {
	if _, err := s.registry.Resolve(project); err != nil {
		return domain.Version{}, false, err
	}
	return s.store.Current(project)
}

// SyncAll syncs every registered project in turn. Used by the background
// sync loop; per-project results are logged, not returned.
func (s Service) SyncAll(ctx context.Context) {
	for _, name := range s.registry.Names() {
		result := s.Sync(ctx, name)
		if result.Status == domain.StatusSyncFailed {
			s.logger.Warn("background sync failed", "project", name, "reason", result.Reason, "detail", result.Detail)
		}
	}
}

func (s Service) storageFailure(project, op string, err error) domain.SyncResult {
	// Storage faults threaten the atomic-promote guarantee, so they are
	// logged at error level unlike ordinary fetch failures.
	s.logger.Error("version store operation failed", "project", project, "op", op, "error", err)
	return domain.SyncResult{
		Status:  domain.StatusSyncFailed,
		Project: project,
		Reason:  domain.ReasonStorage,
		Detail:  err.Error(),
	}
}

func classifyFetchError(err error) string {
	switch {
	case errors.Is(err, fetch.ErrIntegrity):
		return domain.ReasonIntegrityMismatch
	case errors.Is(err, fetch.ErrUnavailable):
		return domain.ReasonTransientExhausted
	default:
		return domain.ReasonNonTransient
	}
}
