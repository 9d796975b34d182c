// Package scheduler runs the per-session background loop that batches
// evaluator calls and pushes fresh summaries to teachers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codedeck/codedeck/internal/evaluator"
	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/internal/store"
	"github.com/codedeck/codedeck/pkg/protocol"
)

const (
	// batchSize is how many evaluator calls happen before a pause.
	batchSize = 5
	// batchPause separates batches to avoid burst throttling.
	batchPause = 5 * time.Second
)

// Manager owns one summary loop per active session.
type Manager struct {
	store    *store.Store
	rooms    *room.Registry
	eval     *evaluator.Service
	logger   *slog.Logger
	interval time.Duration
	pause    time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a Manager sweeping each session every interval.
func NewManager(s *store.Store, rooms *room.Registry, eval *evaluator.Service, interval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		rooms:    rooms,
		eval:     eval,
		logger:   logger.With("component", "scheduler"),
		interval: interval,
		pause:    batchPause,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start launches the loop for a session code if none is running.
func (m *Manager) Start(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[code]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running[code] = cancel
	go m.run(ctx, code)
	m.logger.Info("summary loop started", "code", code)
}

// Stop cancels the loop for a session code.
func (m *Manager) Stop(code string) {
	m.mu.Lock()
	cancel, ok := m.running[code]
	if ok {
		delete(m.running, code)
	}
	m.mu.Unlock()
	if ok {
		cancel()
		m.logger.Info("summary loop stopped", "code", code)
	}
}

// Running reports whether a loop exists for the code.
func (m *Manager) Running(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[code]
	return ok
}

// StopAll cancels every loop (graceful shutdown).
func (m *Manager) StopAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for code, cancel := range m.running {
		cancels = append(cancels, cancel)
		delete(m.running, code)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, code string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Sweep(ctx, code) {
				m.Stop(code)
				return
			}
		}
	}
}

// Sweep performs one evaluation pass over the session's students. It
// returns false when the session is gone or no longer active.
func (m *Manager) Sweep(ctx context.Context, code string) bool {
	doc, err := m.store.Get(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		m.logger.Warn("sweep: session read failed", "code", code, "error", err)
		return true
	}
	if !doc.Active {
		return false
	}
	if m.rooms.CountRole(code, room.RoleTeacher) == 0 {
		// Engine normally stops the loop on teacher detach; this is the
		// backstop when the detach raced the tick.
		return false
	}

	_, prompt := doc.CurrentSlideInfo()

	// Stable order keeps the batch pauses predictable across sweeps.
	names := make([]string, 0, len(doc.Students))
	for name := range doc.Students {
		names = append(names, name)
	}
	sort.Strings(names)

	sincePause := 0
	for _, name := range names {
		st := doc.Students[name]
		if st.Code == "" || st.DisconnectedAt != nil {
			continue
		}

		if sincePause == batchSize {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(m.pause):
			}
			sincePause = 0
		}

		ev := m.eval.Evaluate(ctx, code, name, prompt, st.Code)
		if ev == nil {
			continue // rate-limited, try next sweep
		}
		sincePause++

		m.publish(ctx, code, name, *ev)
	}
	return true
}

// publish persists a summary and notifies teachers. A student who left or a
// session that ended while the evaluation was in flight is skipped; failures
// on one student never abort the pass.
func (m *Manager) publish(ctx context.Context, code, name string, ev evaluator.Evaluation) {
	_, err := m.store.Update(ctx, code, func(doc *store.Session) error {
		st, ok := doc.Students[name]
		if !doc.Active || !ok || st.DisconnectedAt != nil {
			return store.ErrNotFound // discard: student gone or session over
		}
		st.Summary = &store.Summary{Progress: ev.Progress, Feedback: ev.Feedback}
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("sweep: summary persist failed", "code", code, "student", name, "error", err)
		}
		return
	}

	m.rooms.EmitRole(code, room.RoleTeacher, protocol.Envelope{
		Type:      protocol.TypeStudentSummaryUpdate,
		Timestamp: time.Now(),
		Payload: protocol.StudentSummaryUpdate{
			StudentName: name,
			Summary:     protocol.Summary{Progress: ev.Progress, Feedback: ev.Feedback},
			Timestamp:   time.Now(),
		},
	})
}
