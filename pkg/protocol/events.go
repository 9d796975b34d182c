// Package protocol defines the wire protocol exchanged between classroom
// endpoints (teacher and student clients) and the server over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// InboundEnvelope is the decode-side counterpart of Envelope: the payload is
// kept raw until the type is known.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	// Client → Server
	TypeJoinSession      = "join-session"
	TypeTeacherJoin      = "teacher-join"
	TypeReconnectSession = "reconnect-session"
	TypeCodeUpdate       = "code-update"
	TypeUpdateSlide      = "update-slide"
	TypeUpdateSlideData  = "update-slide-data"
	TypeExecuteCode      = "execute-code"

	// Server → Client
	TypeSessionData            = "session-data"
	TypeSlideChange            = "slide-change"
	TypeUserJoined             = "user-joined"
	TypeUserLeft               = "user-left"
	TypeStudentCodeUpdate      = "student-code-update"
	TypeStudentSummaryUpdate   = "student-summary-update"
	TypeExecutionResult        = "execution-result"
	TypeStudentExecutionResult = "student-execution-result"
	TypeCodeRestore            = "code-restore"
	TypeError                  = "error"
)

// --- Client → Server payloads ---

// JoinSession enrolls a student into a session by code.
type JoinSession struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// TeacherJoin attaches a teacher endpoint to a session.
type TeacherJoin struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ReconnectSession re-attaches a student within the grace window. The token
// is the session-scoped nonce issued in SessionData on the original join.
type ReconnectSession struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// CodeUpdate carries the sender's current editor draft. From a student it is
// fanned out to teachers; from a teacher it updates the shared scratchpad.
type CodeUpdate struct {
	Code string `json:"code"`
}

// UpdateSlide moves the deck to a new slide (teacher only).
type UpdateSlide struct {
	SlideIndex int `json:"slideIndex"`
}

// UpdateSlideData replaces the slide deck (teacher only). SlidesWithCode
// lists the indices that carry a coding task, cached for fast lookup.
type UpdateSlideData struct {
	Slides         []Slide `json:"slides"`
	SlidesWithCode []int   `json:"slidesWithCode"`
}

// ExecuteCode requests a sandboxed run of the given source.
type ExecuteCode struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Slide is one unit of the deck.
type Slide struct {
	Prompt        string `json:"prompt"`
	HasCodingTask bool   `json:"hasCodingTask"`
}

// --- Server → Client payloads ---

// SessionData carries the full session document to the caller. Students
// additionally receive their reconnect token.
type SessionData struct {
	Session        any    `json:"session"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

// SlideChange announces the current slide to the room.
type SlideChange struct {
	Index         int       `json:"index"`
	HasCodeEditor bool      `json:"hasCodeEditor"`
	Prompt        string    `json:"prompt"`
	Timestamp     time.Time `json:"timestamp"`
}

// UserJoined announces a new room member to the others.
type UserJoined struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// UserLeft announces a departure to the others.
type UserLeft struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentCodeUpdate relays a student draft to teachers.
type StudentCodeUpdate struct {
	StudentName string    `json:"studentName"`
	Code        string    `json:"code"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary is the evaluator's verdict on a student draft.
type Summary struct {
	Progress string `json:"progress"`
	Feedback string `json:"feedback"`
}

// StudentSummaryUpdate relays a fresh summary to teachers.
type StudentSummaryUpdate struct {
	StudentName string    `json:"studentName"`
	Summary     Summary   `json:"summary"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionResult is the sandbox outcome returned to the caller.
type ExecutionResult struct {
	Result    string    `json:"result"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentExecutionResult relays a student's sandbox outcome to teachers.
type StudentExecutionResult struct {
	StudentName string    `json:"studentName"`
	Result      string    `json:"result"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// CodeRestore returns a student's saved draft after a reconnect.
type CodeRestore struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent carries a protocol-level error to the caller.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Progress labels the evaluator may assign.
const (
	ProgressNotStarted  = "notStarted"
	ProgressJustStarted = "justStarted"
	ProgressHalfway     = "halfwayDone"
	ProgressAlmostDone  = "almostDone"
	ProgressAllDone     = "allDone"
)

// ValidProgress reports whether p is one of the five known labels.
func ValidProgress(p string) bool {
	switch p {
	case ProgressNotStarted, ProgressJustStarted, ProgressHalfway, ProgressAlmostDone, ProgressAllDone:
		return true
	}
	return false
}
