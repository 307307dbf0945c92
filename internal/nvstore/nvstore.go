// Package nvstore backs the persisted NV slots named in §6 (AUDIT_COMMANDS,
// AUDIT_HASH_ALG, AUDIT_COUNTER, LOCKOUT_AUTH_ENABLED, FAILED_TRIES) and
// implements the da.NVAvailability interface the DAManager
// consults for its NV-discipline checks (§5, "NV discipline"). Grounded on
// NV.c's reserved-object model (each reserved datum written atomically by
// name) as described in original_source/, generalized to an in-memory
// key/value store fronted by a single image file (rewritten in place with
// os.WriteFile) for the software TPM this
// expansion builds, since this repo has no physical NV hardware beneath it.
package nvstore

import (
	"encoding/json"
	"os"
	"sync"
)

// Store is an in-memory NV image, written to a single image file on disk
// only when Flush is called. It implements internal/da.NVAvailability; it
// does not hold NV index data (cmd/tpmsimd keeps that in its own nvView).
type Store struct {
	mu        sync.Mutex
	path      string
	available bool
	orderly   bool
	data      map[string]json.RawMessage
}

// Open loads path if it exists, or starts with an empty image. available
// starts true; a caller that wants to simulate NV unavailability (for
// testing CheckLockedOut's NV-unavailable path) calls SetAvailable(false).
func Open(path string) (*Store, error) {
	s := &Store{path: path, available: true, orderly: true, data: map[string]json.RawMessage{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

// Available reports whether NV writes can presently be committed.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable lets the daemon or a test simulate NV becoming unavailable
// (e.g. a full write-cycle budget exhausted, per the source's NV rate
// limiting) or recovering.
func (s *Store) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// PriorShutdownWasOrderly reports whether the last TPM2_Shutdown observed
// by this store completed cleanly (SHUTDOWN_NONE in the source), which
// DAManager.CheckLockedOut uses to decide whether to tolerate momentary NV
// unavailability.
func (s *Store) PriorShutdownWasOrderly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderly
}

// SetOrderly records whether the most recent shutdown was orderly.
func (s *Store) SetOrderly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderly = v
}

// Flush persists the current in-memory image to disk, returning an error
// only if the image is presently unavailable. This is what da.Manager calls
// to discharge a pending DA mutation (DAPendingOnNV in the source).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return errNVUnavailable
	}
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0600)
}

// Put records v under name, in memory only; callers that need the write
// durable before proceeding must call Flush.
func Put[T any](s *Store, name string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.data[name] = b
	return nil
}

// Get reads the value previously stored under name into v, returning
// ok=false if nothing has been stored under that name yet.
func Get[T any](s *Store, name string, v *T) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, present := s.data[name]
	if !present {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

var errNVUnavailable = &storeError{"NV image is presently unavailable"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
