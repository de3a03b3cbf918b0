package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/stenjo/esp-ota-server/internal/domain"
)

var (
	// ErrNoPriorVersion indicates a demote with no rollback target. It is a
	// valid terminal state, not a storage fault.
	ErrNoPriorVersion = errors.New("store: no prior version")

	// ErrStorage indicates the store could not durably persist or repoint.
	// The prior deployment state is left intact.
	ErrStorage = errors.New("store: storage failure")
)

const (
	manifestName = "manifest.json"
	payloadsDir  = "payloads"
)

// Store keeps per-project version payloads content-addressed on disk, plus a
// manifest recording the active version and retained history. The manifest
// is only ever replaced via write-temp-then-rename, so readers always see a
// fully formed record.
type Store struct {
	root  string
	depth int
}

// manifest is the on-disk deployment state of one project. History is
// most-recent first; Active equals History[0].ID whenever non-empty.
type manifest struct {
	Active  string           `json:"active"`
	History []domain.Version `json:"history"`
}

// New ensures the storage root exists. depth is the maximum number of
// retained versions per project; values below 1 fall back to 2.
func New(root string, depth int) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if depth < 1 {
		depth = 2
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: root, depth: depth}, nil
}

// Commit durably persists a payload under a content-addressed location and
// returns the new Version record. The deployment state is not touched.
func (s *Store) Commit(project string, payload []byte, sourceRef string) (domain.Version, error) {
	if project == "" {
		return domain.Version{}, fmt.Errorf("%w: project cannot be empty", ErrStorage)
	}
	dir := filepath.Join(s.root, project, payloadsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Version{}, fmt.Errorf("%w: create payload dir: %v", ErrStorage, err)
	}

	dgst := digest.FromBytes(payload)
	dest := filepath.Join(dir, dgst.Encoded()+".zip")

	tmp, err := os.CreateTemp(dir, "payload-*.tmp")
	if err != nil {
		return domain.Version{}, fmt.Errorf("%w: create temp payload: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.Version{}, fmt.Errorf("%w: write payload: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.Version{}, fmt.Errorf("%w: close payload: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return domain.Version{}, fmt.Errorf("%w: place payload: %v", ErrStorage, err)
	}

	return domain.Version{
		ID:              uuid.NewString(),
		FetchedAt:       time.Now().UTC(),
		SourceReference: sourceRef,
		PayloadLocation: dest,
		ContentDigest:   dgst,
	}, nil
}

// Promote atomically makes version the active one: it is pushed to the front
// of history, the manifest is swapped in one rename, and versions evicted
// beyond the retention depth are reclaimed afterwards.
func (s *Store) Promote(project string, version domain.Version) error {
	m, err := s.readManifest(project)
	if err != nil {
		return err
	}

	m.History = append([]domain.Version{version}, m.History...)
	var evicted []domain.Version
	if len(m.History) > s.depth {
		evicted = m.History[s.depth:]
		m.History = m.History[:s.depth]
	}
	m.Active = version.ID

	if err := s.writeManifest(project, m); err != nil {
		return err
	}
	s.reclaim(m.History, evicted)
	return nil
}

// Demote reverts the active pointer to the next retained version and returns
// it. With fewer than two retained versions it returns ErrNoPriorVersion and
// changes nothing.
func (s *Store) Demote(project string) (domain.Version, error) {
	m, err := s.readManifest(project)
	if err != nil {
		return domain.Version{}, err
	}
	if len(m.History) < 2 {
		return domain.Version{}, ErrNoPriorVersion
	}

	removed := m.History[0]
	m.History = m.History[1:]
	m.Active = m.History[0].ID

	if err := s.writeManifest(project, m); err != nil {
		return domain.Version{}, err
	}
	s.reclaim(m.History, []domain.Version{removed})
	return m.History[0], nil
}

// Current returns the active version, if any. Safe to call without holding
// the project lock: the manifest swap is atomic.
func (s *Store) Current(project string) (domain.Version, bool, error) {
	m, err := s.readManifest(project)
	if err != nil {
		return domain.Version{}, false, err
	}
	if m.Active == "" || len(m.History) == 0 {
		return domain.Version{}, false, nil
	}
	return m.History[0], true, nil
}

func (s *Store) readManifest(project string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, project, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return manifest{}, nil
	}
	if err != nil {
		return manifest{}, fmt.Errorf("%w: read manifest: %v", ErrStorage, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("%w: parse manifest: %v", ErrStorage, err)
	}
	return m, nil
}

func (s *Store) writeManifest(project string, m manifest) error {
	dir := filepath.Join(s.root, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create project dir: %v", ErrStorage, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %v", ErrStorage, err)
	}
	tmp, err := os.CreateTemp(dir, "manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp manifest: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write manifest: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close manifest: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, manifestName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: swap manifest: %v", ErrStorage, err)
	}
	return nil
}

// reclaim deletes payload files of evicted versions once the manifest no
// longer references them. A payload still referenced by a retained version
// (same content re-promoted later) is kept.
func (s *Store) reclaim(retained, evicted []domain.Version) {
	for _, v := range evicted {
		if v.PayloadLocation == "" || referenced(retained, v.PayloadLocation) {
			continue
		}
		// Best effort: a leaked payload file is re-usable on the next commit
		// of the same content.
		_ = os.Remove(v.PayloadLocation)
	}
}

func referenced(versions []domain.Version, path string) bool {
	for _, v := range versions {
		if v.PayloadLocation == path {
			return true
		}
	}
	return false
}
