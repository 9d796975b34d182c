package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codedeck/codedeck/internal/auth"
	"github.com/codedeck/codedeck/internal/config"
	"github.com/codedeck/codedeck/internal/engine"
	"github.com/codedeck/codedeck/internal/evaluator"
	"github.com/codedeck/codedeck/internal/executor"
	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/internal/scheduler"
	"github.com/codedeck/codedeck/internal/store"
	"github.com/codedeck/codedeck/pkg/protocol"
)

type stubEval struct{}

func (stubEval) Evaluate(ctx context.Context, prompt, code string) evaluator.Evaluation {
	return evaluator.Default()
}

func setupTestServer(t *testing.T) (*Server, *store.Store, *room.Registry) {
	t.Helper()
	logger := slog.Default()
	st := store.New(nil, logger)
	rooms := room.NewRegistry()
	exec, err := executor.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	evalSvc := evaluator.NewService(stubEval{})
	sched := scheduler.NewManager(st, rooms, evalSvc, time.Hour, logger)
	eng := engine.New(st, rooms, exec, evalSvc, sched, logger, engine.Options{})
	t.Cleanup(func() {
		sched.StopAll()
		eng.Shutdown()
	})

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
	}
	srv := NewServer(st, eng, auth.NewService(cfg.Auth), cfg, logger)
	return srv, st, rooms
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	body := `{
		"title": "loops 101",
		"language": "python",
		"slides": [{"prompt": "welcome"}, {"prompt": "write a loop", "hasCodingTask": true}],
		"slidesWithCode": [1]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("create session: got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success     bool   `json:"success"`
		SessionCode string `json:"sessionCode"`
	}
	parseJSONResponse(t, w, &resp)
	if !resp.Success || !store.CodePattern.MatchString(resp.SessionCode) {
		t.Fatalf("create session response: %+v", resp)
	}
	return resp.SessionCode
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status: got %q", resp["status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, st, _ := setupTestServer(t)
	code := createSession(t, srv)

	// Get
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+code, nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	var getResp struct {
		Success bool           `json:"success"`
		Session *store.Session `json:"session"`
	}
	parseJSONResponse(t, w, &getResp)
	if getResp.Session.Title != "loops 101" || !getResp.Session.Active {
		t.Errorf("session: %+v", getResp.Session)
	}
	if len(getResp.Session.Slides) != 2 || !getResp.Session.Slides[1].HasCodingTask {
		t.Errorf("slides: %+v", getResp.Session.Slides)
	}

	// Update
	update := `{"title": "loops 102", "language": "python", "slides": [{"prompt": "only slide"}]}`
	req = httptest.NewRequest(http.MethodPut, "/api/sessions/"+code, bytes.NewBufferString(update))
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update: got %d: %s", w.Code, w.Body.String())
	}
	doc, _ := st.Get(context.Background(), code)
	if doc.Title != "loops 102" || len(doc.Slides) != 1 {
		t.Errorf("after update: %+v", doc)
	}

	// End
	req = httptest.NewRequest(http.MethodPut, "/api/sessions/"+code+"/end", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("end: got %d", w.Code)
	}
	doc, _ = st.Get(context.Background(), code)
	if doc.Active {
		t.Error("session still active after end")
	}

	// Delete
	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/"+code, nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}
	if _, err := st.Get(context.Background(), code); err != store.ErrNotFound {
		t.Errorf("get after delete: %v", err)
	}
}

func TestCreateSessionRejectsBadLanguage(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/", bytes.NewBufferString(`{"language": "cobol"}`))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("got %d", w.Code)
	}
}

func TestGetMissingSession(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/zzzzzz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("got %d", w.Code)
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if success, _ := resp["success"].(bool); success {
		t.Error("error response claims success")
	}
}

func TestJoinCheck(t *testing.T) {
	srv, st, _ := setupTestServer(t)
	code := createSession(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+code+"/join", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("join check: got %d", w.Code)
	}

	// Bad code shape.
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/NOPE99/join", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad code: got %d", w.Code)
	}

	// Ended session.
	if _, err := st.Update(context.Background(), code, func(doc *store.Session) error {
		doc.Active = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+code+"/join", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusGone {
		t.Errorf("ended session: got %d", w.Code)
	}
}

func TestSetSlideBroadcasts(t *testing.T) {
	srv, _, rooms := setupTestServer(t)
	code := createSession(t, srv)

	sender := &recordingSender{id: "ep-1"}
	rooms.Attach(code, sender, room.RoleStudent, "ana")

	req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+code+"/slide/1", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("set slide: got %d: %s", w.Code, w.Body.String())
	}

	if len(sender.sent) != 1 || sender.sent[0].Type != protocol.TypeSlideChange {
		t.Fatalf("broadcast: got %+v", sender.sent)
	}
	p := sender.sent[0].Payload.(protocol.SlideChange)
	if p.Index != 1 || !p.HasCodeEditor {
		t.Errorf("slide-change payload: %+v", p)
	}

	// Out of range.
	req = httptest.NewRequest(http.MethodPut, "/api/sessions/"+code+"/slide/9", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range slide: got %d", w.Code)
	}

	// Non-numeric index.
	req = httptest.NewRequest(http.MethodPut, "/api/sessions/"+code+"/slide/first", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric slide: got %d", w.Code)
	}
}

func TestSummariesEndpoints(t *testing.T) {
	srv, st, _ := setupTestServer(t)
	code := createSession(t, srv)

	if _, err := st.Update(context.Background(), code, func(doc *store.Session) error {
		doc.Students["ana"] = &store.Student{
			JoinedAt: time.Now(),
			Code:     "x = 1",
			Summary:  &store.Summary{Progress: protocol.ProgressJustStarted, Feedback: "Keep going."},
		}
		doc.Students["ben"] = &store.Student{JoinedAt: time.Now()}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+code+"/summaries", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("summaries: got %d", w.Code)
	}
	var listResp struct {
		Success   bool                      `json:"success"`
		Summaries map[string]*store.Summary `json:"summaries"`
	}
	parseJSONResponse(t, w, &listResp)
	if len(listResp.Summaries) != 1 || listResp.Summaries["ana"] == nil {
		t.Errorf("summaries: %+v", listResp.Summaries)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+code+"/students/ana/summaries", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("student summary: got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+code+"/students/nobody/summaries", nil)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown student: got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	createSession(t, srv)
	createSession(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	var resp struct {
		Success  bool             `json:"success"`
		Sessions []map[string]any `json:"sessions"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.Sessions) != 2 {
		t.Errorf("sessions: got %d, want 2", len(resp.Sessions))
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions/", nil)
	req.Header.Set("Origin", "https://class.example")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin: got %q", got)
	}
}

// recordingSender is a room.Sender capturing envelopes synchronously.
type recordingSender struct {
	id   string
	sent []protocol.Envelope
}

func (r *recordingSender) ID() string                 { return r.id }
func (r *recordingSender) Send(env protocol.Envelope) { r.sent = append(r.sent, env) }

func TestStoreErrorsMapToStatusCodes(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	cases := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrAlreadyExists, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		srv.reportStoreError(w, tc.err)
		if w.Code != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, w.Code, tc.want)
		}
		var resp struct {
			Success bool `json:"success"`
		}
		parseJSONResponse(t, w, &resp)
		if resp.Success {
			t.Errorf("%v: success true in an error body", tc.err)
		}
	}
}
