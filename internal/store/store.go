// Package store owns the in-memory session documents and their optional
// write-through persistence. The in-memory copy is authoritative for the
// process; the KV adapter only mirrors it.
package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

var (
	// ErrNotFound is returned when no session exists for a code.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned on a session code collision.
	ErrAlreadyExists = errors.New("session already exists")
)

// CodePattern is the shape of a valid session code.
var CodePattern = regexp.MustCompile(`^[a-z]{6}$`)

const codeLen = 6

// maxCodeAttempts bounds rejection sampling; at 26^6 codes a handful of
// retries only matters when the process is nearly full.
const maxCodeAttempts = 50

// KV is the pluggable write-through adapter. Implementations persist the
// serialized session document keyed by its code.
type KV interface {
	Put(ctx context.Context, code string, doc []byte) error
	Get(ctx context.Context, code string) ([]byte, error) // (nil, nil) when absent
	Delete(ctx context.Context, code string) error
	Close() error
}

// Store maps session codes to documents with a per-session lock for every
// read-modify-write.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	kv       KV
	logger   *slog.Logger
}

type entry struct {
	mu  sync.RWMutex
	doc *Session
}

// New creates a Store. kv may be nil for purely in-memory operation.
func New(kv KV, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		kv:       kv,
		logger:   logger.With("component", "store"),
	}
}

// NewCode generates a fresh unclaimed six-letter lowercase code by uniform
// random sampling with rejection on collision.
func (s *Store) NewCode() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.sessions[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not find a free session code after %d attempts", maxCodeAttempts)
}

// letterLimit is the largest multiple of 26 that fits in a byte. Bytes at
// or above it are rejected; mapping them through the modulo would skew the
// distribution toward the early alphabet.
const letterLimit = 26 * (256 / 26)

func randomCode() (string, error) {
	b := make([]byte, codeLen)
	have := 0
	for have < codeLen {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		have = takeLetters(b, buf[:], have)
	}
	return string(b), nil
}

// takeLetters fills dst from position have onward with letters derived from
// src, skipping rejected bytes, and returns the new fill position.
func takeLetters(dst, src []byte, have int) int {
	for _, v := range src {
		if have == len(dst) {
			break
		}
		if v >= letterLimit {
			continue
		}
		dst[have] = 'a' + v%26
		have++
	}
	return have
}

// Create inserts a new session document. The code on doc must be set.
func (s *Store) Create(ctx context.Context, doc *Session) error {
	if !CodePattern.MatchString(doc.Code) {
		return fmt.Errorf("invalid session code %q", doc.Code)
	}
	s.mu.Lock()
	if _, ok := s.sessions[doc.Code]; ok {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	s.sessions[doc.Code] = &entry{doc: doc.Clone()}
	s.mu.Unlock()

	s.writeThrough(ctx, doc)
	return nil
}

// Get returns a point-in-time deep copy of the session document.
func (s *Store) Get(ctx context.Context, code string) (*Session, error) {
	e, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc.Clone(), nil
}

// Update applies mutate under the session's write lock and returns a
// snapshot of the document after the mutation. A mutator error aborts the
// update without persisting.
func (s *Store) Update(ctx context.Context, code string, mutate func(*Session) error) (*Session, error) {
	e, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if err := mutate(e.doc); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	snap := e.doc.Clone()
	e.mu.Unlock()

	s.writeThrough(ctx, snap)
	return snap, nil
}

// Delete removes the session document. The code may be re-used afterwards.
func (s *Store) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	_, ok := s.sessions[code]
	delete(s.sessions, code)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if s.kv != nil {
		if err := s.kv.Delete(ctx, code); err != nil {
			s.logger.Warn("kv delete failed", "code", code, "error", err)
		}
	}
	return nil
}

// Codes lists the codes of all live sessions.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]string, 0, len(s.sessions))
	for code := range s.sessions {
		codes = append(codes, code)
	}
	return codes
}

// lookup finds the entry for a code, hydrating it from the KV adapter once
// when this process has never seen the session (restart recovery).
func (s *Store) lookup(ctx context.Context, code string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[code]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	if s.kv == nil {
		return nil, ErrNotFound
	}

	data, err := s.kv.Get(ctx, code)
	if err != nil {
		s.logger.Warn("kv read failed", "code", code, "error", err)
		return nil, ErrNotFound
	}
	if data == nil {
		return nil, ErrNotFound
	}

	var doc Session
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("kv document corrupt", "code", code, "error", err)
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent hydration may have won.
	if e, ok := s.sessions[code]; ok {
		return e, nil
	}
	e = &entry{doc: &doc}
	s.sessions[code] = e
	return e, nil
}

// writeThrough mirrors the document to the KV adapter. Adapter failure is
// logged and does not abort the mutation.
func (s *Store) writeThrough(ctx context.Context, doc *Session) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn("serialize session failed", "code", doc.Code, "error", err)
		return
	}
	if err := s.kv.Put(ctx, doc.Code, data); err != nil {
		s.logger.Warn("kv write failed", "code", doc.Code, "error", err)
	}
}
