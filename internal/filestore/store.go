// Package filestore owns the canonical version history of shared files.
//
// Ownership boundary: file versions and conflict artifacts are mutated
// only here. Version numbers per path increase by exactly 1 per accepted
// proposal; losing proposals are retained as conflict artifacts, never
// silently discarded.
package filestore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/rs/zerolog/log"
)

const DefaultRetentionDepth = 16

// Config bounds per-path history retention.
type Config struct {
	RetentionDepth int
}

// ConflictArtifact is one rejected same-parent proposal kept for
// inspection.
type ConflictArtifact struct {
	Path          string    `json:"path"`
	ParentVersion uint64    `json:"parent_version"`
	ContentHash   string    `json:"content_hash"`
	OwnerNode     string    `json:"owner_node"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store is the file manager. All file-version state is owned here.
type Store struct {
	mu        sync.RWMutex
	depth     int
	records   map[string][]mesh.FileRecord
	conflicts map[string][]ConflictArtifact
	onAccept  func(mesh.FileRecord)
}

// NewStore returns an empty store with the configured retention depth.
func NewStore(cfg Config) *Store {
	depth := cfg.RetentionDepth
	if depth <= 0 {
		depth = DefaultRetentionDepth
	}
	return &Store{
		depth:     depth,
		records:   make(map[string][]mesh.FileRecord),
		conflicts: make(map[string][]ConflictArtifact),
	}
}

// SetOnAccept binds the accepted-record hook; the coordinator uses it to
// hand accepted versions to replication.
func (s *Store) SetOnAccept(fn func(mesh.FileRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAccept = fn
}

// Propose accepts a new version only when parentVersion equals the
// current latest for path. A contested parent returns mesh.ErrConflict
// and keeps the losing proposal as an artifact; an already-superseded
// parent returns mesh.ErrStaleVersion. Re-proposing an identical
// (path, parent, hash) is idempotent and returns the accepted record
// without a second increment.
func (s *Store) Propose(path string, parentVersion uint64, contentHash, ownerNode string) (mesh.FileRecord, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return mesh.FileRecord{}, fmt.Errorf("%w: missing path", mesh.ErrInvalidRecord)
	}
	if strings.TrimSpace(contentHash) == "" {
		return mesh.FileRecord{}, fmt.Errorf("%w: path=%q missing content_hash", mesh.ErrInvalidRecord, path)
	}
	if strings.TrimSpace(ownerNode) == "" {
		return mesh.FileRecord{}, fmt.Errorf("%w: path=%q missing owner_node", mesh.ErrInvalidRecord, path)
	}

	s.mu.Lock()
	history := s.records[path]
	var latest uint64
	if len(history) > 0 {
		latest = history[len(history)-1].Version
	}

	if parentVersion != latest {
		// Idempotent replay of an already-accepted proposal.
		if accepted, ok := findVersionLocked(history, parentVersion+1); ok && accepted.ContentHash == contentHash {
			s.mu.Unlock()
			return accepted, nil
		}
		if parentVersion < latest {
			if parentVersion+1 == latest {
				// Same parent as the accepted winner: contested write.
				s.conflicts[path] = append(s.conflicts[path], ConflictArtifact{
					Path:          path,
					ParentVersion: parentVersion,
					ContentHash:   contentHash,
					OwnerNode:     ownerNode,
					RecordedAt:    time.Now(),
				})
				s.mu.Unlock()
				log.Warn().
					Str("path", path).
					Uint64("parent_version", parentVersion).
					Str("owner", ownerNode).
					Msg("filestore_conflict")
				return mesh.FileRecord{}, fmt.Errorf("%w: path=%q parent=%d latest=%d", mesh.ErrConflict, path, parentVersion, latest)
			}
			s.mu.Unlock()
			return mesh.FileRecord{}, fmt.Errorf("%w: path=%q parent=%d latest=%d", mesh.ErrStaleVersion, path, parentVersion, latest)
		}
		s.mu.Unlock()
		return mesh.FileRecord{}, fmt.Errorf("%w: path=%q parent=%d ahead of latest=%d", mesh.ErrStaleVersion, path, parentVersion, latest)
	}

	record := mesh.FileRecord{
		Path:        path,
		Version:     latest + 1,
		ContentHash: contentHash,
		OwnerNode:   ownerNode,
		ProposedAt:  time.Now(),
	}
	history = append(history, record)
	if len(history) > s.depth {
		history = history[len(history)-s.depth:]
	}
	s.records[path] = history
	hook := s.onAccept
	s.mu.Unlock()

	log.Debug().
		Str("path", path).
		Uint64("version", record.Version).
		Str("owner", ownerNode).
		Msg("filestore_accept")
	if hook != nil {
		hook(record)
	}
	return record, nil
}

// Latest returns the current latest record for path.
func (s *Store) Latest(path string) (mesh.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.records[path]
	if len(history) == 0 {
		return mesh.FileRecord{}, false
	}
	return history[len(history)-1], true
}

// Get returns one retained version for path.
func (s *Store) Get(path string, version uint64) (mesh.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findVersionLocked(s.records[path], version)
}

// Conflicts returns retained conflict artifacts for path, oldest first.
func (s *Store) Conflicts(path string) []ConflictArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConflictArtifact, len(s.conflicts[path]))
	copy(out, s.conflicts[path])
	return out
}

// History returns a pull iterator over retained versions of path, most
// recent first, yielding at most depth records (depth <= 0 means all
// retained). The iterator is finite and not restartable; it walks a
// snapshot taken at call time.
func (s *Store) History(path string, depth int) func() (mesh.FileRecord, bool) {
	s.mu.RLock()
	history := s.records[path]
	snapshot := make([]mesh.FileRecord, len(history))
	copy(snapshot, history)
	s.mu.RUnlock()

	if depth > 0 && depth < len(snapshot) {
		snapshot = snapshot[len(snapshot)-depth:]
	}
	i := len(snapshot) - 1
	return func() (mesh.FileRecord, bool) {
		if i < 0 {
			return mesh.FileRecord{}, false
		}
		rec := snapshot[i]
		i--
		return rec, true
	}
}

// Bootstrap seeds canonical state from the designated primary node.
// Existing state is replaced; records must arrive version-ordered per path.
func (s *Store) Bootstrap(records []mesh.FileRecord) error {
	grouped := make(map[string][]mesh.FileRecord)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		history := grouped[rec.Path]
		if len(history) > 0 && rec.Version != history[len(history)-1].Version+1 {
			return fmt.Errorf("%w: path=%q version gap %d -> %d",
				mesh.ErrInvalidRecord, rec.Path, history[len(history)-1].Version, rec.Version)
		}
		grouped[rec.Path] = append(history, rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string][]mesh.FileRecord, len(grouped))
	for path, history := range grouped {
		if len(history) > s.depth {
			history = history[len(history)-s.depth:]
		}
		s.records[path] = history
	}
	return nil
}

// VersionsByPath returns the latest accepted version per path. Guardian
// rejoin handshakes validate a recovering node against this view.
func (s *Store) VersionsByPath() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.records))
	for path, history := range s.records {
		if len(history) > 0 {
			out[path] = history[len(history)-1].Version
		}
	}
	return out
}

// Paths returns all known paths in unspecified order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for path := range s.records {
		out = append(out, path)
	}
	return out
}

func findVersionLocked(history []mesh.FileRecord, version uint64) (mesh.FileRecord, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version == version {
			return history[i], true
		}
	}
	return mesh.FileRecord{}, false
}
