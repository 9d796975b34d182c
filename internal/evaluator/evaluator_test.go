package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/codedeck/codedeck/pkg/protocol"
)

func TestParseEvaluation(t *testing.T) {
	ev, err := parseEvaluation(`{"progress": "halfwayDone", "feedback": "Nice loop, now handle the empty case."}`)
	if err != nil {
		t.Fatalf("parseEvaluation: %v", err)
	}
	if ev.Progress != protocol.ProgressHalfway {
		t.Errorf("Progress: got %q", ev.Progress)
	}

	// Surrounding prose is tolerated.
	ev, err = parseEvaluation("Sure! Here is my verdict:\n{\"progress\": \"allDone\", \"feedback\": \"Great work.\"}\nHope that helps.")
	if err != nil {
		t.Fatalf("parseEvaluation with prose: %v", err)
	}
	if ev.Progress != protocol.ProgressAllDone {
		t.Errorf("Progress: got %q", ev.Progress)
	}
}

func TestParseEvaluationRejects(t *testing.T) {
	cases := []string{
		"",
		"I cannot help with that.",
		`{"progress": "nearlyThere", "feedback": "x"}`, // unknown label
		`{"progress": "allDone"}`,                      // missing feedback
		`{"progress": "allDone", "feedback": ""}`,
		`{broken json}`,
	}
	for _, in := range cases {
		if _, err := parseEvaluation(in); err == nil {
			t.Errorf("parseEvaluation accepted %q", in)
		}
	}
}

func TestDefaultEvaluation(t *testing.T) {
	ev := Default()
	if ev.Progress != protocol.ProgressNotStarted || ev.Feedback != "Please start" {
		t.Errorf("Default: got %+v", ev)
	}
}

func TestLimiterEnforcesMinInterval(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.Allow("abcdef", "ana") {
		t.Fatal("first call denied")
	}
	if l.Allow("abcdef", "ana") {
		t.Error("immediate second call allowed")
	}

	// A different student in the same session has its own slot.
	if !l.Allow("abcdef", "ben") {
		t.Error("other student denied")
	}
	// Same name in a different session is a different slot too.
	if !l.Allow("zzzzzz", "ana") {
		t.Error("same name in other session denied")
	}

	now = now.Add(minInterval - time.Second)
	if l.Allow("abcdef", "ana") {
		t.Error("call allowed before the interval elapsed")
	}

	now = now.Add(2 * time.Second)
	if !l.Allow("abcdef", "ana") {
		t.Error("call denied after the interval elapsed")
	}
}

func TestLimiterExpireDropsStaleSlots(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("abcdef", "ana")
	l.Allow("abcdef", "ben")

	now = now.Add(slotTTL + time.Second)
	l.expire()

	l.mu.Lock()
	n := len(l.slots)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("expire left %d slots", n)
	}
}

// fakeClient returns a fixed evaluation and counts calls.
type fakeClient struct {
	calls int
	ev    Evaluation
}

func (f *fakeClient) Evaluate(ctx context.Context, prompt, code string) Evaluation {
	f.calls++
	return f.ev
}

func TestServiceEvaluateRespectsLimiter(t *testing.T) {
	client := &fakeClient{ev: Evaluation{Progress: protocol.ProgressJustStarted, Feedback: "Keep going."}}
	svc := NewService(client)
	ctx := context.Background()

	ev := svc.Evaluate(ctx, "abcdef", "ana", "write a loop", "for i in range(3):")
	if ev == nil {
		t.Fatal("first Evaluate returned nil")
	}
	if ev.Progress != protocol.ProgressJustStarted {
		t.Errorf("Progress: got %q", ev.Progress)
	}
	if client.calls != 1 {
		t.Errorf("client calls: got %d, want 1", client.calls)
	}

	// Second call inside the window is swallowed by the limiter: no result
	// and no client call.
	if ev := svc.Evaluate(ctx, "abcdef", "ana", "write a loop", "for i in range(4):"); ev != nil {
		t.Error("rate-limited Evaluate returned a result")
	}
	if client.calls != 1 {
		t.Errorf("client calls after limited attempt: got %d, want 1", client.calls)
	}
}
