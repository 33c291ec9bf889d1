// Package workspace owns the per-deployment working directory layout.
package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/utils"
)

// Files kept in every working directory.
const (
	ConfigFile     = "main.tf"
	BackupFile     = "original.tf.bak"
	StatusFile     = "status.json"
	PlanFile       = "tfplan"
	TranscriptFile = "deployment.log"
	SummaryLogFile = "deployment_summary.log"
	FixLogFile     = "fix_attempts.log"
	DiffLogFile    = "code_diff.log"
	CleanupLogFile = "cleanup_attempts.log"
	StopMarkerFile = ".stop_deployment"
)

const timeLayout = "2006-01-02 15:04:05"

// Workspace is one deployment's directory. Text appended to the audit logs
// passes through the mask func first.
type Workspace struct {
	dir  string
	mask func(string) string
	mu   sync.Mutex
}

// DirFor returns base/<id> after checking id cannot escape base.
func DirFor(base, id string) (string, error) {
	if !utils.ValidDeploymentID(id) {
		return "", appErr.Newf(appErr.CodeInvalid, "invalid deployment id %q", id)
	}
	return filepath.Join(base, id), nil
}

// Create makes the directory for id under base.
func Create(base, id string) (*Workspace, error) {
	dir, err := DirFor(base, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}
	return New(dir), nil
}

// Open returns the existing directory for id under base.
func Open(base, id string) (*Workspace, error) {
	dir, err := DirFor(base, id)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.New(appErr.CodeNotFound, "working directory not found")
		}
		return nil, fmt.Errorf("stat working dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, appErr.Newf(appErr.CodeInternal, "%s is not a directory", dir)
	}
	return New(dir), nil
}

// New wraps an existing directory path.
func New(dir string) *Workspace {
	return &Workspace{dir: dir, mask: func(s string) string { return s }}
}

// SetMask installs the redaction applied to audit log text.
func (w *Workspace) SetMask(fn func(string) string) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.mask = fn
	w.mu.Unlock()
}

func (w *Workspace) Dir() string { return w.dir }

func (w *Workspace) Path(name string) string { return filepath.Join(w.dir, name) }

func (w *Workspace) Exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

func (w *Workspace) ReadConfig() (string, error) {
	b, err := os.ReadFile(w.Path(ConfigFile))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	return string(b), nil
}

func (w *Workspace) WriteConfig(text string) error {
	return WriteFileAtomic(w.Path(ConfigFile), []byte(text), 0o600)
}

// WriteBackup saves the raw submitted configuration once; later calls keep
// the first copy.
func (w *Workspace) WriteBackup(text string) error {
	f, err := os.OpenFile(w.Path(BackupFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("write %s: %w", BackupFile, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("write %s: %w", BackupFile, err)
	}
	return nil
}

// TranscriptEntry is one stage's section of deployment.log.
type TranscriptEntry struct {
	Attempt  int
	Stage    string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// AppendTranscript writes a stage's stdout and stderr verbatim, masked.
func (w *Workspace) AppendTranscript(e TranscriptEntry) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== [%s] attempt %d stage %s: %s\n", time.Now().UTC().Format(timeLayout), e.Attempt, e.Stage, e.Command)
	if e.Stdout != "" {
		sb.WriteString("--- stdout\n")
		sb.WriteString(ensureNewline(e.Stdout))
	}
	if e.Stderr != "" {
		sb.WriteString("--- stderr\n")
		sb.WriteString(ensureNewline(e.Stderr))
	}
	fmt.Fprintf(&sb, "=== exit %d after %s\n\n", e.ExitCode, e.Duration.Round(time.Millisecond))
	return w.appendMasked(TranscriptFile, sb.String())
}

// AppendSummary writes one line to deployment_summary.log.
func (w *Workspace) AppendSummary(format string, args ...any) error {
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(timeLayout), fmt.Sprintf(format, args...))
	return w.appendMasked(SummaryLogFile, line)
}

// FixAttempt is one auto-fix audit record.
type FixAttempt struct {
	Attempt  int
	Stage    string
	Tier     string
	Excerpt  string
	Outcome  string
	Restored bool
}

func (w *Workspace) AppendFixAttempt(a FixAttempt) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== [%s] attempt %d stage %s tier %s: %s", time.Now().UTC().Format(timeLayout), a.Attempt, a.Stage, a.Tier, a.Outcome)
	if a.Restored {
		sb.WriteString(" (credentials restored)")
	}
	sb.WriteString("\n")
	if a.Excerpt != "" {
		sb.WriteString(ensureNewline(a.Excerpt))
	}
	sb.WriteString("\n")
	return w.appendMasked(FixLogFile, sb.String())
}

// AppendDiff writes a unified diff between two configuration revisions.
func (w *Workspace) AppendDiff(attempt int, before, after string) error {
	diff, err := UnifiedDiff(before, after, fmt.Sprintf("main.tf (attempt %d)", attempt), fmt.Sprintf("main.tf (attempt %d)", attempt+1))
	if err != nil {
		return err
	}
	header := fmt.Sprintf("=== [%s] fix applied after attempt %d\n", time.Now().UTC().Format(timeLayout), attempt)
	return w.appendMasked(DiffLogFile, header+diff+"\n")
}

// AppendCleanup records a teardown outcome.
func (w *Workspace) AppendCleanup(attempt int, outcome string, detail string) error {
	text := fmt.Sprintf("=== [%s] attempt %d teardown: %s\n", time.Now().UTC().Format(timeLayout), attempt, outcome)
	if detail != "" {
		text += ensureNewline(detail)
	}
	return w.appendMasked(CleanupLogFile, text+"\n")
}

// Tail returns up to n trailing lines of the named log.
func (w *Workspace) Tail(name string, n int) ([]string, error) {
	f, err := os.Open(w.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return ring, nil
}

func (w *Workspace) appendMasked(name, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(w.mask(text)); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// UnifiedDiff renders a unified diff with three lines of context.
func UnifiedDiff(before, after, fromName, toName string) (string, error) {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return text, nil
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
