package engine

import (
	"context"
	"errors"
	"time"

	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/internal/store"
	"github.com/codedeck/codedeck/pkg/protocol"
)

// ErrSlideOutOfRange is returned by SetSlide for indices outside the deck;
// the API maps it to a 400.
var ErrSlideOutOfRange = errors.New("slide index out of range")

var (
	errInactive     = errors.New("session has ended")
	errNotTeacher   = errors.New("teacher-only action")
	errNoStudent    = errors.New("student not found")
	errBadToken     = errors.New("invalid reconnect token")
	errAlreadyBound = errors.New("endpoint already joined a session")
)

// evalThreshold is the draft length above which a code-update triggers an
// evaluator call.
const evalThreshold = 10

func (e *Engine) handleJoinSession(ctx context.Context, ep *Endpoint, p protocol.JoinSession) {
	if joined, _, _, _ := ep.binding(); joined {
		e.sendError(ep, errAlreadyBound.Error())
		return
	}
	if !store.CodePattern.MatchString(p.Code) || p.Name == "" {
		e.sendError(ep, "join-session requires a valid code and a name")
		return
	}

	token, err := newReconnectToken()
	if err != nil {
		e.sendError(ep, "internal error")
		return
	}

	doc, err := e.store.Update(ctx, p.Code, func(doc *store.Session) error {
		if !doc.Active {
			return errInactive
		}
		now := time.Now()
		st, ok := doc.Students[p.Name]
		if !ok {
			st = &store.Student{JoinedAt: now}
			if doc.Students == nil {
				doc.Students = make(map[string]*store.Student)
			}
			doc.Students[p.Name] = st
		}
		// A join with an in-grace name replaces the live binding: new
		// token, new endpoint, disconnect markers cleared. The old grace
		// timer becomes a no-op.
		st.ReconnectToken = token
		st.SocketEndpointID = ep.ID()
		st.LastActive = now
		st.DisconnectedAt = nil
		st.ReconnectedAt = nil
		return nil
	})
	if err != nil {
		e.reportStoreError(ep, err)
		return
	}

	ep.bind(room.RoleStudent, p.Code, p.Name)
	e.rooms.Attach(p.Code, ep, room.RoleStudent, p.Name)

	ep.Send(protocol.Envelope{
		Type:      protocol.TypeSessionData,
		Timestamp: time.Now(),
		Payload:   protocol.SessionData{Session: doc, ReconnectToken: token},
	})
	ep.Send(slideChange(doc))
	e.rooms.BroadcastExcept(p.Code, ep.ID(), protocol.Envelope{
		Type:      protocol.TypeUserJoined,
		Timestamp: time.Now(),
		Payload:   protocol.UserJoined{Name: p.Name, Timestamp: time.Now()},
	})
}

func (e *Engine) handleTeacherJoin(ctx context.Context, ep *Endpoint, p protocol.TeacherJoin) {
	if joined, _, _, _ := ep.binding(); joined {
		e.sendError(ep, errAlreadyBound.Error())
		return
	}
	if !store.CodePattern.MatchString(p.Code) || p.Name == "" {
		e.sendError(ep, "teacher-join requires a valid code and a name")
		return
	}

	doc, err := e.store.Update(ctx, p.Code, func(doc *store.Session) error {
		if !doc.Active {
			return errInactive
		}
		doc.TeacherEndpointID = ep.ID()
		return nil
	})
	if err != nil {
		e.reportStoreError(ep, err)
		return
	}

	ep.bind(room.RoleTeacher, p.Code, p.Name)
	e.rooms.Attach(p.Code, ep, room.RoleTeacher, p.Name)
	e.sched.Start(p.Code)

	ep.Send(protocol.Envelope{
		Type:      protocol.TypeSessionData,
		Timestamp: time.Now(),
		Payload:   protocol.SessionData{Session: doc},
	})
	e.rooms.BroadcastExcept(p.Code, ep.ID(), protocol.Envelope{
		Type:      protocol.TypeUserJoined,
		Timestamp: time.Now(),
		Payload:   protocol.UserJoined{Name: p.Name, Timestamp: time.Now()},
	})
}

func (e *Engine) handleReconnectSession(ctx context.Context, ep *Endpoint, p protocol.ReconnectSession) {
	if joined, _, _, _ := ep.binding(); joined {
		e.sendError(ep, errAlreadyBound.Error())
		return
	}
	if !store.CodePattern.MatchString(p.Code) || p.Name == "" || p.Token == "" {
		e.sendError(ep, "reconnect-session requires code, name and token")
		return
	}

	var draft string
	doc, err := e.store.Update(ctx, p.Code, func(doc *store.Session) error {
		st, ok := doc.Students[p.Name]
		if !ok {
			return errNoStudent
		}
		if st.ReconnectToken != p.Token {
			return errBadToken
		}
		now := time.Now()
		st.SocketEndpointID = ep.ID()
		st.LastActive = now
		st.ReconnectedAt = &now
		st.DisconnectedAt = nil
		draft = st.Code
		return nil
	})
	if err != nil {
		e.reportStoreError(ep, err)
		return
	}

	ep.bind(room.RoleStudent, p.Code, p.Name)
	e.rooms.Attach(p.Code, ep, room.RoleStudent, p.Name)

	ep.Send(protocol.Envelope{
		Type:      protocol.TypeSessionData,
		Timestamp: time.Now(),
		Payload:   protocol.SessionData{Session: doc, ReconnectToken: p.Token},
	})
	ep.Send(slideChange(doc))
	if draft != "" {
		ep.Send(protocol.Envelope{
			Type:      protocol.TypeCodeRestore,
			Timestamp: time.Now(),
			Payload:   protocol.CodeRestore{Code: draft, Timestamp: time.Now()},
		})
	}
}

func (e *Engine) handleCodeUpdate(ctx context.Context, ep *Endpoint, p protocol.CodeUpdate) {
	joined, role, code, name := ep.binding()
	if !joined {
		e.sendError(ep, "not joined to a session")
		return
	}

	if role == room.RoleTeacher {
		// Teacher scratchpad: last-writer-wins, no broadcast, no
		// evaluation.
		_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
			if !doc.Active {
				return errInactive
			}
			doc.CurrentCode = p.Code
			return nil
		})
		if err != nil {
			e.reportStoreError(ep, err)
		}
		return
	}

	doc, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		if !doc.Active {
			return errInactive
		}
		st, ok := doc.Students[name]
		if !ok {
			return errNoStudent
		}
		st.Code = p.Code
		st.LastActive = time.Now()
		return nil
	})
	if err != nil {
		e.reportStoreError(ep, err)
		return
	}

	e.rooms.EmitRole(code, room.RoleTeacher, protocol.Envelope{
		Type:      protocol.TypeStudentCodeUpdate,
		Timestamp: time.Now(),
		Payload: protocol.StudentCodeUpdate{
			StudentName: name,
			Code:        p.Code,
			Timestamp:   time.Now(),
		},
	})

	if len(p.Code) > evalThreshold {
		_, prompt := doc.CurrentSlideInfo()
		go e.evaluateAndPublish(code, name, prompt, p.Code)
	}
}

// evaluateAndPublish runs one rate-limited evaluation for a student draft.
// A nil result means the limiter refused the call. A result arriving after
// the student disconnected or the session ended is discarded, not persisted.
func (e *Engine) evaluateAndPublish(code, name, prompt, draft string) {
	ctx := context.Background()
	ev := e.eval.Evaluate(ctx, code, name, prompt, draft)
	if ev == nil {
		return
	}

	_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		if !doc.Active {
			return errInactive
		}
		st, ok := doc.Students[name]
		if !ok || st.DisconnectedAt != nil {
			return errNoStudent
		}
		st.Summary = &store.Summary{Progress: ev.Progress, Feedback: ev.Feedback}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoStudent) && !errors.Is(err, errInactive) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("summary persist failed", "code", code, "student", name, "error", err)
		}
		return
	}

	e.rooms.EmitRole(code, room.RoleTeacher, protocol.Envelope{
		Type:      protocol.TypeStudentSummaryUpdate,
		Timestamp: time.Now(),
		Payload: protocol.StudentSummaryUpdate{
			StudentName: name,
			Summary:     protocol.Summary{Progress: ev.Progress, Feedback: ev.Feedback},
			Timestamp:   time.Now(),
		},
	})
}

func (e *Engine) handleUpdateSlide(ctx context.Context, ep *Endpoint, p protocol.UpdateSlide) {
	joined, role, code, _ := ep.binding()
	if !joined {
		e.sendError(ep, "not joined to a session")
		return
	}
	if role != room.RoleTeacher {
		e.sendError(ep, errNotTeacher.Error())
		return
	}

	if err := e.SetSlide(ctx, code, p.SlideIndex); err != nil {
		e.reportStoreError(ep, err)
	}
}

// SetSlide moves the deck to the given index and broadcasts slide-change to
// the whole room. It serves both the realtime update-slide event and the
// HTTP slide control route. Repeating the current index re-broadcasts the
// same event.
func (e *Engine) SetSlide(ctx context.Context, code string, index int) error {
	doc, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		if index < 0 || (len(doc.Slides) > 0 && index >= len(doc.Slides)) || (len(doc.Slides) == 0 && index != 0) {
			return ErrSlideOutOfRange
		}
		doc.CurrentSlide = index
		doc.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	e.rooms.Broadcast(code, slideChange(doc))
	return nil
}

func (e *Engine) handleUpdateSlideData(ctx context.Context, ep *Endpoint, p protocol.UpdateSlideData) {
	joined, role, code, _ := ep.binding()
	if !joined {
		e.sendError(ep, "not joined to a session")
		return
	}
	if role != room.RoleTeacher {
		e.sendError(ep, errNotTeacher.Error())
		return
	}

	_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		slides := make([]store.Slide, len(p.Slides))
		for i, sl := range p.Slides {
			slides[i] = store.Slide{Prompt: sl.Prompt, HasCodingTask: sl.HasCodingTask}
		}
		doc.Slides = slides
		doc.SlidesWithCode = append([]int(nil), p.SlidesWithCode...)
		if doc.CurrentSlide >= len(slides) {
			doc.CurrentSlide = 0
		}
		doc.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		e.reportStoreError(ep, err)
	}
}

func (e *Engine) handleExecuteCode(ctx context.Context, ep *Endpoint, p protocol.ExecuteCode) {
	joined, role, code, name := ep.binding()
	if !joined {
		e.sendError(ep, "not joined to a session")
		return
	}

	// The sandbox may block for seconds; run it off the read loop so the
	// endpoint stays responsive.
	go func() {
		res, execErr := e.exec.Execute(context.Background(), p.Language, p.Code)

		result := res.Stdout
		errStr := res.Stderr
		if execErr != nil {
			if errStr == "" {
				errStr = execErr.Error()
			}
			result = "Error: " + errStr
		}
		now := time.Now()

		if role == room.RoleStudent {
			// Persist on the caller's record; teachers run scratch code
			// without persistence.
			_, err := e.store.Update(context.Background(), code, func(doc *store.Session) error {
				st, ok := doc.Students[name]
				if !ok {
					return errNoStudent
				}
				st.LastExecution = &store.Execution{Result: result, Error: errStr, Timestamp: now}
				st.LastActive = now
				return nil
			})
			if err != nil && !errors.Is(err, errNoStudent) && !errors.Is(err, store.ErrNotFound) {
				e.logger.Warn("execution persist failed", "code", code, "student", name, "error", err)
			}
		}

		ep.Send(protocol.Envelope{
			Type:      protocol.TypeExecutionResult,
			Timestamp: now,
			Payload:   protocol.ExecutionResult{Result: result, Error: errStr, Timestamp: now},
		})

		if role == room.RoleStudent {
			e.rooms.EmitRole(code, room.RoleTeacher, protocol.Envelope{
				Type:      protocol.TypeStudentExecutionResult,
				Timestamp: now,
				Payload: protocol.StudentExecutionResult{
					StudentName: name,
					Result:      result,
					Error:       errStr,
					Timestamp:   now,
				},
			})
		}
	}()
}

// HandleDisconnect runs the drop transition for an endpoint: detach,
// user-left fan-out, teacher bookkeeping, and the student grace timer.
func (e *Engine) HandleDisconnect(ctx context.Context, ep *Endpoint) {
	joined, role, code, name := ep.binding()
	if !joined {
		return
	}

	e.rooms.Detach(code, ep.ID())
	e.rooms.Broadcast(code, protocol.Envelope{
		Type:      protocol.TypeUserLeft,
		Timestamp: time.Now(),
		Payload:   protocol.UserLeft{Name: name, Timestamp: time.Now()},
	})

	if role == room.RoleTeacher {
		_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
			if doc.TeacherEndpointID == ep.ID() {
				doc.TeacherEndpointID = ""
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("teacher detach update failed", "code", code, "error", err)
		}
		if e.rooms.CountRole(code, room.RoleTeacher) == 0 {
			e.sched.Stop(code)
		}
		return
	}

	now := time.Now()
	_, err := e.store.Update(ctx, code, func(doc *store.Session) error {
		st, ok := doc.Students[name]
		if !ok || st.SocketEndpointID != ep.ID() {
			// A newer endpoint already owns this name.
			return errNoStudent
		}
		st.DisconnectedAt = &now
		st.ReconnectedAt = nil
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoStudent) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("student disconnect update failed", "code", code, "student", name, "error", err)
		}
		return
	}

	e.scheduleRemoval(code, name)
}

// scheduleRemoval arms the grace timer: if the student is still marked
// disconnected when it fires, the record is deleted from the session. The
// timer lives on the engine, not the endpoint.
func (e *Engine) scheduleRemoval(code, name string) {
	key := code + "/" + name
	timer := time.AfterFunc(e.disconnectGrace, func() {
		e.mu.Lock()
		delete(e.graceTimers, key)
		e.mu.Unlock()

		_, err := e.store.Update(context.Background(), code, func(doc *store.Session) error {
			st, ok := doc.Students[name]
			if !ok {
				return errNoStudent
			}
			if st.DisconnectedAt == nil || st.ReconnectedAt != nil {
				return errNoStudent // reconnected or replaced in time
			}
			delete(doc.Students, name)
			return nil
		})
		if err != nil && !errors.Is(err, errNoStudent) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("grace removal failed", "code", code, "student", name, "error", err)
		}
	})

	e.mu.Lock()
	if old, ok := e.graceTimers[key]; ok {
		old.Stop()
	}
	e.graceTimers[key] = timer
	e.mu.Unlock()
}

// reportStoreError maps store and mutator errors onto caller-facing error
// events.
func (e *Engine) reportStoreError(ep *Endpoint, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.sendError(ep, "session not found")
	case errors.Is(err, errInactive):
		e.sendError(ep, errInactive.Error())
	case errors.Is(err, errNoStudent):
		e.sendError(ep, "student not found in session")
	case errors.Is(err, errBadToken):
		e.sendError(ep, errBadToken.Error())
	case errors.Is(err, ErrSlideOutOfRange):
		e.sendError(ep, ErrSlideOutOfRange.Error())
	default:
		e.logger.Warn("session update failed", "error", err)
		e.sendError(ep, "internal error")
	}
}

// slideChange builds the slide-change event for the session's current slide.
// Missing slides still emit, with no editor and an empty prompt.
func slideChange(doc *store.Session) protocol.Envelope {
	hasEditor, prompt := doc.CurrentSlideInfo()
	now := time.Now()
	return protocol.Envelope{
		Type:      protocol.TypeSlideChange,
		Timestamp: now,
		Payload: protocol.SlideChange{
			Index:         doc.CurrentSlide,
			HasCodeEditor: hasEditor,
			Prompt:        prompt,
			Timestamp:     now,
		},
	}
}
