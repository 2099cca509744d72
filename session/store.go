package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/cascade"
)

// storeFile is the on-disk shape of a session store. Anything not matching
// this schema is treated as absent; there is no fallback to older layouts.
type storeFile struct {
	SessionID string                       `json:"session_id"`
	Agent     *cascade.State               `json:"agent_state,omitempty"`
	Engines   map[string]map[string]string `json:"engines,omitempty"`
	Metadata  map[string]string            `json:"metadata,omitempty"`
}

// Store persists cross-invocation session metadata as a single JSON file,
// read-modify-write with last-writer-wins. One writer process per session is
// assumed. Writes are atomic (temp file plus rename) so a crash mid-save
// never leaves a torn file.
type Store struct {
	dir  string
	id   string
	path string
	data storeFile
}

// NewStore opens (or initializes) the store for the given sanitized session
// id. A corrupt store file is a fatal error: silently discarding persisted
// state would make a resumed run diverge from what the operator expects.
func NewStore(dir, id string) (*Store, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	path, err := storePath(dir, id)
	if err != nil {
		return nil, err
	}
	store := &Store{
		dir:  dir,
		id:   id,
		path: path,
		data: storeFile{SessionID: id},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}
	if err := json.Unmarshal(raw, &store.data); err != nil {
		return nil, fmt.Errorf("session store %s is corrupt: %w", path, err)
	}
	store.data.SessionID = id
	return store, nil
}

// validateID rejects ids that could escape the store directory. Ids are
// expected to already be sanitized; this is the last line of defense.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// storePath confines the session file to the store directory.
func storePath(dir, id string) (string, error) {
	p := filepath.Clean(filepath.Join(dir, id+".json"))
	if !strings.HasPrefix(p, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside store directory", ErrInvalidSessionID, id)
	}
	return p, nil
}

// ID returns the sanitized session id.
func (s *Store) ID() string { return s.id }

// Path returns the on-disk location of the store file.
func (s *Store) Path() string { return s.path }

// AgentState returns the last persisted workflow state snapshot, or false
// when none has been saved. With resetRetries the returned copy has a fresh
// retry budget; the reset is NOT persisted until the caller explicitly saves
// the state again.
func (s *Store) AgentState(resetRetries bool) (cascade.State, bool) {
	if s.data.Agent == nil {
		return cascade.State{}, false
	}
	state := *s.data.Agent
	if resetRetries {
		state = state.WithRetriesReset()
	}
	return state, true
}

// SetAgentState persists a workflow state snapshot.
func (s *Store) SetAgentState(state cascade.State) error {
	s.data.Agent = &state
	return s.save()
}

// EngineState returns the opaque metadata stored for an engine and stage, or
// "" when absent.
func (s *Store) EngineState(engine, stage string) string {
	stages, ok := s.data.Engines[engine]
	if !ok {
		return ""
	}
	return stages[stage]
}

// SetEngineState persists opaque per-engine per-stage metadata, such as a
// remote agent session handle.
func (s *Store) SetEngineState(engine, stage, value string) error {
	if s.data.Engines == nil {
		s.data.Engines = make(map[string]map[string]string)
	}
	if s.data.Engines[engine] == nil {
		s.data.Engines[engine] = make(map[string]string)
	}
	s.data.Engines[engine][stage] = value
	return s.save()
}

// Metadata returns an arbitrary metadata value, or "" when absent.
func (s *Store) Metadata(key string) string {
	return s.data.Metadata[key]
}

// SetMetadata persists an arbitrary metadata value.
func (s *Store) SetMetadata(key, value string) error {
	if s.data.Metadata == nil {
		s.data.Metadata = make(map[string]string)
	}
	s.data.Metadata[key] = value
	return s.save()
}

func (s *Store) save() error {
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session store: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".store-*")
	if err != nil {
		return fmt.Errorf("failed to create session store temp file: %w", err)
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save session store: %w", err)
	}
	return nil
}
