package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestExecuteRejectsUnknownLanguage(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Execute(context.Background(), "ruby", "puts 1")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("got %v, want ErrUnsupportedLanguage", err)
	}
}

func TestScratchNamePattern(t *testing.T) {
	valid := []string{
		uuid.New().String() + ".py",
		uuid.New().String() + ".js",
		"abc123.py",
	}
	for _, name := range valid {
		if !scratchName.MatchString(name) {
			t.Errorf("scratchName rejected %q", name)
		}
	}

	invalid := []string{
		"../escape.py",
		"foo/bar.py",
		"script.sh",
		"script.py.js.txt",
		"UPPER.py",
		".py",
	}
	for _, name := range invalid {
		if scratchName.MatchString(name) {
			t.Errorf("scratchName accepted %q", name)
		}
	}
}

func TestCommandWhitelists(t *testing.T) {
	acceptPy := []string{
		"python3 /tmp/codedeck/abc.py",
		"python /tmp/codedeck/abc.py",
		`python3 "/tmp/codedeck/abc.py"`,
	}
	for _, c := range acceptPy {
		if !pythonCmd.MatchString(c) {
			t.Errorf("pythonCmd rejected %q", c)
		}
	}

	rejectPy := []string{
		"python3 /tmp/a.py; rm -rf /",
		"python3 /tmp/a.py /tmp/b.py",
		"python3 -c print(1)",
		"python3 /tmp/a.js",
		"bash /tmp/a.py",
		"python3",
	}
	for _, c := range rejectPy {
		if pythonCmd.MatchString(c) {
			t.Errorf("pythonCmd accepted %q", c)
		}
	}

	if !nodeCmd.MatchString("node /tmp/codedeck/abc.js") {
		t.Error("nodeCmd rejected a plain node invocation")
	}
	rejectJS := []string{
		"node /tmp/a.js --eval hack",
		"node /tmp/a.py",
		"nodejs /tmp/a.js",
		"node /tmp/a.js && whoami",
	}
	for _, c := range rejectJS {
		if nodeCmd.MatchString(c) {
			t.Errorf("nodeCmd accepted %q", c)
		}
	}
}

func TestPythonPreludeContents(t *testing.T) {
	for _, want := range []string{
		"resource.setrlimit",
		"_denied_modules",
		"subprocess",
		"socket",
		"builtins.__import__",
		"builtins.open",
	} {
		if !strings.Contains(pythonPrelude, want) {
			t.Errorf("pythonPrelude missing %q", want)
		}
	}
}

func TestBuildJSHarnessEmbedsSourceSafely(t *testing.T) {
	source := `console.log("hi")`
	harness := buildJSHarness(source)

	// Source must arrive JSON-encoded, never spliced raw into the template.
	if strings.Contains(harness, `console.log("hi")`) {
		t.Error("harness embedded source without JSON encoding")
	}
	if !strings.Contains(harness, `console.log(\"hi\")`) {
		t.Error("harness missing the JSON-encoded source literal")
	}
	for _, want := range []string{
		"node:vm",
		"runInContext",
		"timeout",
		"Object.create(null)",
	} {
		if !strings.Contains(harness, want) {
			t.Errorf("harness missing %q", want)
		}
	}
	// The dangerous globals are masked in the sandbox.
	for _, blocked := range []string{"process", "require", "Buffer", "fetch"} {
		if !strings.Contains(harness, blocked) {
			t.Errorf("harness does not mask %q", blocked)
		}
	}

	// The console recorder is built by a bootstrap inside the context, not
	// handed in as a host object whose prototype chain student code could
	// climb.
	if strings.Contains(harness, "sandbox.console") {
		t.Error("harness assigns a host console into the sandbox")
	}
	if !strings.Contains(harness, "globalThis.console") {
		t.Error("harness does not create the console inside the context")
	}
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	b.max = 10

	n, err := b.Write([]byte("12345"))
	if n != 5 || err != nil {
		t.Fatalf("Write: got (%d, %v)", n, err)
	}
	if b.String() != "12345" {
		t.Errorf("String: got %q", b.String())
	}

	// Writing past the cap keeps reporting full consumption so the child
	// process never sees a write error.
	n, err = b.Write([]byte("6789012345"))
	if n != 10 || err != nil {
		t.Fatalf("Write past cap: got (%d, %v)", n, err)
	}
	if !strings.HasSuffix(b.String(), "[output truncated]") {
		t.Errorf("String after cap: got %q", b.String())
	}
	if !strings.HasPrefix(b.String(), "1234567890") {
		t.Errorf("String lost prefix: got %q", b.String())
	}

	n, err = b.Write([]byte("more"))
	if n != 4 || err != nil {
		t.Fatalf("Write when full: got (%d, %v)", n, err)
	}
}

func TestNewDefaultsTempDir(t *testing.T) {
	e, err := New("", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if e.tempDir == "" {
		t.Error("tempDir not defaulted")
	}
	if e.pythonBin != "python3" || e.nodeBin != "node" {
		t.Errorf("interpreters: got %q, %q", e.pythonBin, e.nodeBin)
	}
}
