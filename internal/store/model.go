package store

import "time"

// Session is the authoritative document for one classroom room, keyed by a
// six-letter lowercase code.
type Session struct {
	Code              string              `json:"code"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Language          string              `json:"language"`
	InitialCode       string              `json:"initialCode"`
	CurrentCode       string              `json:"currentCode"` // teacher's live scratchpad
	Slides            []Slide             `json:"slides"`
	SlidesWithCode    []int               `json:"slidesWithCode,omitempty"` // cached indices of coding slides
	CurrentSlide      int                 `json:"currentSlide"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	Active            bool                `json:"active"`
	Students          map[string]*Student `json:"students"`
	TeacherEndpointID string              `json:"teacherEndpointId,omitempty"`
}

// Slide is one unit of the deck.
type Slide struct {
	Prompt        string `json:"prompt"`
	HasCodingTask bool   `json:"hasCodingTask"`
}

// Student is a per-name record inside a session. It survives transient
// disconnects for the grace window.
type Student struct {
	JoinedAt         time.Time  `json:"joinedAt"`
	Code             string     `json:"code"`
	SocketEndpointID string     `json:"socketEndpointId,omitempty"`
	LastActive       time.Time  `json:"lastActive"`
	ReconnectToken   string     `json:"reconnectToken"`
	Summary          *Summary   `json:"summary,omitempty"`
	LastExecution    *Execution `json:"lastExecution,omitempty"`
	DisconnectedAt   *time.Time `json:"disconnectedAt,omitempty"`
	ReconnectedAt    *time.Time `json:"reconnectedAt,omitempty"`
}

// Summary is the evaluator's last verdict on a student's draft.
type Summary struct {
	Progress string `json:"progress"`
	Feedback string `json:"feedback"`
}

// Execution records the outcome of a student's last sandbox run.
type Execution struct {
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CurrentSlideInfo resolves the current slide into the shape emitted on
// slide-change: out-of-range indices and empty decks yield no editor and an
// empty prompt.
func (s *Session) CurrentSlideInfo() (hasCodeEditor bool, prompt string) {
	return s.SlideInfo(s.CurrentSlide)
}

// SlideInfo resolves an arbitrary slide index with the same policy.
func (s *Session) SlideInfo(i int) (hasCodeEditor bool, prompt string) {
	if i < 0 || i >= len(s.Slides) {
		return false, ""
	}
	return s.Slides[i].HasCodingTask, s.Slides[i].Prompt
}

// Clone returns a deep copy of the session document.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Slides = append([]Slide(nil), s.Slides...)
	cp.SlidesWithCode = append([]int(nil), s.SlidesWithCode...)
	cp.Students = make(map[string]*Student, len(s.Students))
	for name, st := range s.Students {
		cp.Students[name] = st.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the student record.
func (st *Student) Clone() *Student {
	cp := *st
	if st.Summary != nil {
		sum := *st.Summary
		cp.Summary = &sum
	}
	if st.LastExecution != nil {
		ex := *st.LastExecution
		cp.LastExecution = &ex
	}
	if st.DisconnectedAt != nil {
		t := *st.DisconnectedAt
		cp.DisconnectedAt = &t
	}
	if st.ReconnectedAt != nil {
		t := *st.ReconnectedAt
		cp.ReconnectedAt = &t
	}
	return &cp
}
