// Package store implements the durable, ordered collection of pending write
// intents. Every mutating call commits to disk before returning, so a crash
// between enqueue and the caller's next action never silently loses a
// mutation.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opsdeck/offline/internal/model"
	yamlutil "github.com/opsdeck/offline/internal/yaml"
)

// QueueFileName is the mutation queue file inside the data dir's queue/
// subdirectory.
const QueueFileName = "mutations.yaml"

// Store is the single shared mutable resource of the engine. All access goes
// through Enqueue/List/Remove/Update, which serialize internally so that
// concurrent callers never corrupt the persisted collection.
type Store struct {
	dataDir string
	path    string
	limits  model.LimitsConfig

	mu    sync.Mutex
	queue model.MutationQueue
}

// Open loads the mutation queue from dataDir, recovering a corrupted queue
// file via quarantine + backup restore. Mutations persisted as in_flight by a
// process that died mid-drain are reset to pending.
func Open(dataDir string, limits model.LimitsConfig) (*Store, error) {
	queueDir := filepath.Join(dataDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		path:    filepath.Join(queueDir, QueueFileName),
		limits:  limits,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	if err := s.recoverInFlight(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the queue file location, for watchers and diagnostics.
func (s *Store) Path() string {
	return s.path
}

// Enqueue assigns an id, persists the mutation with status=pending, and
// returns the stored record. Storage failure is fatal to this call and
// reported to the caller; the in-memory queue is rolled back.
func (s *Store) Enqueue(mutType string, payload any, meta model.Meta) (model.Mutation, error) {
	if mutType == "" {
		return model.Mutation{}, fmt.Errorf("mutation type is required")
	}

	if s.limits.MaxPayloadBytes > 0 {
		encoded, err := yamlv3.Marshal(payload)
		if err != nil {
			return model.Mutation{}, fmt.Errorf("encode payload: %w", err)
		}
		if len(encoded) > s.limits.MaxPayloadBytes {
			return model.Mutation{}, fmt.Errorf("payload too large: %d bytes (max %d)", len(encoded), s.limits.MaxPayloadBytes)
		}
	}

	id, err := model.GenerateID(model.IDTypeMutation)
	if err != nil {
		return model.Mutation{}, fmt.Errorf("generate mutation ID: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limits.MaxPendingMutations > 0 && len(s.queue.Mutations) >= s.limits.MaxPendingMutations {
		return model.Mutation{}, fmt.Errorf("queue full: %d pending mutations (max %d)", len(s.queue.Mutations), s.limits.MaxPendingMutations)
	}

	m := model.Mutation{
		ID:        id,
		Type:      mutType,
		Payload:   payload,
		Meta:      meta,
		Status:    model.StatusPending,
		Attempts:  0,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	s.queue.Mutations = append(s.queue.Mutations, m)
	if err := s.persistLocked(); err != nil {
		s.queue.Mutations = s.queue.Mutations[:len(s.queue.Mutations)-1]
		return model.Mutation{}, fmt.Errorf("persist enqueue: %w", err)
	}

	return m, nil
}

// List returns all persisted mutations in enqueue (FIFO) order. The store
// never reorders: later mutations on the same entity may be causally
// dependent on earlier ones.
func (s *Store) List() []model.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Mutation, len(s.queue.Mutations))
	copy(out, s.queue.Mutations)
	return out
}

// Get returns the mutation with the given id, if present.
func (s *Store) Get(id string) (model.Mutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.queue.Mutations {
		if m.ID == id {
			return m, true
		}
	}
	return model.Mutation{}, false
}

// Len returns the number of queued mutations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue.Mutations)
}

// Remove deletes a mutation. Removing an id that is already gone is a no-op,
// not an error; this guards against duplicate concurrent drains.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.queue.Mutations {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	removed := s.queue.Mutations[idx]
	s.queue.Mutations = append(s.queue.Mutations[:idx], s.queue.Mutations[idx+1:]...)
	if err := s.persistLocked(); err != nil {
		// Roll back so the in-memory view matches disk
		s.queue.Mutations = append(s.queue.Mutations[:idx], append([]model.Mutation{removed}, s.queue.Mutations[idx:]...)...)
		return fmt.Errorf("persist remove: %w", err)
	}
	return nil
}

// Update applies a partial patch to a stored mutation, atomically with
// respect to concurrent store consumers. Status changes are checked against
// the mutation transition table.
func (s *Store) Update(id string, p model.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.queue.Mutations {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("mutation %s not found", id)
	}

	prev := s.queue.Mutations[idx]
	next := prev

	if p.Status != nil {
		if err := model.ValidateMutationTransition(prev.Status, *p.Status); err != nil {
			return err
		}
		next.Status = *p.Status
	}
	if p.Attempts != nil {
		next.Attempts = *p.Attempts
	}
	if p.LastError != nil {
		next.LastError = p.LastError
	}
	if p.LastAttemptAt != nil {
		next.LastAttemptAt = p.LastAttemptAt
	}

	s.queue.Mutations[idx] = next
	if err := s.persistLocked(); err != nil {
		s.queue.Mutations[idx] = prev
		return fmt.Errorf("persist update: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.queue = model.MutationQueue{
				SchemaVersion: yamlutil.CurrentSchemaVersion,
				FileType:      yamlutil.FileTypeMutationQueue,
			}
			return nil
		}
		return fmt.Errorf("read queue file: %w", err)
	}

	if err := s.parse(data); err == nil {
		return nil
	}

	// Corrupt queue file: quarantine, restore from .bak or start empty, then
	// re-read whatever recovery produced.
	if err := yamlutil.RecoverCorruptedFile(s.dataDir, s.path, yamlutil.FileTypeMutationQueue); err != nil {
		return fmt.Errorf("recover queue file: %w", err)
	}
	data, err = os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read recovered queue file: %w", err)
	}
	if err := s.parse(data); err != nil {
		return fmt.Errorf("parse recovered queue file: %w", err)
	}
	return nil
}

func (s *Store) parse(data []byte) error {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeMutationQueue); err != nil {
		return err
	}
	var q model.MutationQueue
	if err := yamlv3.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("parse queue file: %w", err)
	}
	s.queue = q
	return nil
}

// recoverInFlight resets mutations stranded in_flight by a crash back to
// pending so the next drain re-attempts them.
func (s *Store) recoverInFlight() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := false
	for i := range s.queue.Mutations {
		if s.queue.Mutations[i].Status == model.StatusInFlight {
			s.queue.Mutations[i].Status = model.StatusPending
			dirty = true
		}
	}
	if !dirty {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("persist in_flight recovery: %w", err)
	}
	return nil
}

func (s *Store) persistLocked() error {
	s.queue.SchemaVersion = yamlutil.CurrentSchemaVersion
	s.queue.FileType = yamlutil.FileTypeMutationQueue
	return yamlutil.AtomicWrite(s.path, s.queue)
}
