// Package executor runs student submissions in isolated subprocesses with
// CPU, memory and wall-clock limits. Both supported languages go through the
// same temp-file + whitelisted-command + kill-escalation discipline.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedLanguage is returned for languages other than
	// javascript and python.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrTimeout is returned when the subprocess exceeds the outer wall
	// clock limit.
	ErrTimeout = errors.New("execution timed out")
)

const (
	// outerTimeout is the wall-clock cap on the whole subprocess.
	outerTimeout = 5 * time.Second
	// killDelay is how long after SIGTERM the process gets SIGKILL.
	killDelay = 500 * time.Millisecond
	// maxOutputBytes caps captured stdout/stderr.
	maxOutputBytes = 1 << 20
	// cleanupRetryDelay is the pause before re-attempting a failed
	// temp-file deletion.
	cleanupRetryDelay = 5 * time.Second
)

// scratchName restricts generated filenames: UUID-derived stem, fixed
// extension, no separators.
var scratchName = regexp.MustCompile(`^[a-f0-9-]+\.(py|js)$`)

// Command whitelists: exactly one interpreter and one script path.
var (
	pythonCmd = regexp.MustCompile(`^python3?\s+(?:"[^"\s]+\.py"|'[^'\s]+\.py'|[^\s"']+\.py)$`)
	nodeCmd   = regexp.MustCompile(`^node\s+(?:"[^"\s]+\.js"|'[^'\s]+\.js'|[^\s"']+\.js)$`)
)

// Result carries the captured output of a run.
type Result struct {
	Stdout string
	Stderr string
}

// Executor materializes submissions into a dedicated scratch directory and
// invokes the language interpreter on them.
type Executor struct {
	tempDir   string
	pythonBin string
	nodeBin   string
	logger    *slog.Logger

	wg sync.WaitGroup // pending deferred cleanups
}

// New creates an Executor rooted at tempDir (created 0700 if absent).
func New(tempDir string, logger *slog.Logger) (*Executor, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "codedeck")
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Executor{
		tempDir:   tempDir,
		pythonBin: "python3",
		nodeBin:   "node",
		logger:    logger.With("component", "executor"),
	}, nil
}

// Execute runs source under the named language's sandbox and returns the
// captured output. Limit violations and interpreter failures surface as an
// error alongside whatever output was produced.
func (e *Executor) Execute(ctx context.Context, language, source string) (Result, error) {
	switch language {
	case "python":
		return e.runScript(ctx, e.pythonBin, ".py", pythonPrelude+source, pythonCmd)
	case "javascript":
		return e.runScript(ctx, e.nodeBin, ".js", buildJSHarness(source), nodeCmd)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}

// runScript writes the prepared script to a fresh scratch file, validates
// the resulting command against the whitelist, and runs it with the outer
// timeout and kill escalation.
func (e *Executor) runScript(ctx context.Context, bin, ext, script string, whitelist *regexp.Regexp) (Result, error) {
	name := uuid.New().String() + ext
	if !scratchName.MatchString(name) || filepath.Base(name) != name {
		return Result{}, fmt.Errorf("refusing scratch filename %q", name)
	}
	path := filepath.Join(e.tempDir, name)
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, filepath.Clean(e.tempDir)+string(os.PathSeparator)) {
		return Result{}, fmt.Errorf("scratch path escapes temp dir: %q", path)
	}

	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return Result{}, fmt.Errorf("write scratch file: %w", err)
	}
	defer e.cleanup(path)

	cmdline := bin + " " + path
	if !whitelist.MatchString(cmdline) {
		return Result{}, fmt.Errorf("command %q rejected by whitelist", cmdline)
	}

	runCtx, cancel := context.WithTimeout(ctx, outerTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, path)
	cmd.Dir = e.tempDir
	cmd.Env = minimalEnv()
	// On timeout: SIGTERM first, SIGKILL killDelay later.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	var stdout, stderr cappedBuffer
	stdout.max = maxOutputBytes
	stderr.max = maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	if err != nil {
		return res, fmt.Errorf("run %s: %w", bin, err)
	}
	return res, nil
}

// cleanup deletes a scratch file, retrying once after a delay on failure.
func (e *Executor) cleanup(path string) {
	if err := os.Remove(path); err == nil || os.IsNotExist(err) {
		return
	}
	e.wg.Add(1)
	time.AfterFunc(cleanupRetryDelay, func() {
		defer e.wg.Done()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("scratch file cleanup failed", "path", path, "error", err)
		}
	})
}

// Flush waits for pending cleanups and removes the scratch directory.
func (e *Executor) Flush() {
	e.wg.Wait()
	if err := os.RemoveAll(e.tempDir); err != nil {
		e.logger.Warn("temp dir flush failed", "dir", e.tempDir, "error", err)
	}
}

// minimalEnv strips the parent environment down to what interpreters need
// to start. No credentials or host config leak into the sandbox.
func minimalEnv() []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"LANG=C.UTF-8",
	}
}

// cappedBuffer is a bytes.Buffer that silently stops growing at max.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return n, nil
	}
	if n > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
