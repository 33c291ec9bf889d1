// Package status keeps a deployment's status.json and database row in step.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/provisioner/resources"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// Document is the content of status.json.
type Document struct {
	Status     models.Status  `json:"status"`
	Message    string         `json:"message"`
	Progress   int            `json:"progress"`
	Resources  []Resource     `json:"resources"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	AutoFixed  bool           `json:"auto_fixed"`
	Summary    any            `json:"summary,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RowWriter is the slice of the deployment repository the store writes through.
type RowWriter interface {
	UpdateStatus(ctx context.Context, deploymentID string, status models.Status, errMsg string) error
	UpdateRetry(ctx context.Context, deploymentID string, retryCount int, autoFixed bool) error
	SaveOutputs(ctx context.Context, deploymentID string, outputs map[string]any) error
}

// Store owns one deployment's status. It is safe for concurrent use; the
// retry controller is its only writer.
type Store struct {
	mu    sync.Mutex
	id    string
	path  string
	rows  RowWriter
	doc   Document
	floor int
}

// NewStore seeds a document for the given resources. rows may be nil when
// no database is configured.
func NewStore(deploymentID string, ws *workspace.Workspace, rows RowWriter, declared []resources.Resource, initial models.Status) *Store {
	s := &Store{
		id:   deploymentID,
		path: ws.Path(workspace.StatusFile),
		rows: rows,
		doc:  Document{Status: initial, Resources: pendingEntries(declared)},
	}
	s.refreshLocked("")
	return s
}

func pendingEntries(declared []resources.Resource) []Resource {
	rs := make([]Resource, 0, len(declared))
	for _, r := range declared {
		rs = append(rs, Resource{Type: r.Type, Name: r.Name, FullName: r.Address(), Status: ResourcePending})
	}
	return rs
}

// Read loads a status.json written by a Store.
func Read(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.New(appErr.CodeNotFound, "status document not found")
		}
		return nil, fmt.Errorf("read status: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode status document failed")
	}
	return &doc, nil
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.Resources = append([]Resource(nil), s.doc.Resources...)
	return doc
}

// Flush writes the current document to disk without touching the row.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

// Transition moves to the given status and writes the file and the row.
// note replaces the progress message when set.
func (s *Store) Transition(ctx context.Context, to models.Status, note string) error {
	return s.transition(ctx, to, note, "")
}

// Fail records errMsg and moves to failed.
func (s *Store) Fail(ctx context.Context, errMsg string) error {
	return s.transition(ctx, models.StatusFailed, "Deployment failed", errMsg)
}

func (s *Store) transition(ctx context.Context, to models.Status, note, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.doc.Status
	if from != to && !models.CanTransition(from, to) {
		return appErr.Newf(appErr.CodeConflict, "invalid status transition %s -> %s", from, to).
			WithMeta("deployment_id", s.id)
	}
	if from == to && from.IsTerminal() {
		return appErr.Newf(appErr.CodeConflict, "deployment already %s", from).
			WithMeta("deployment_id", s.id)
	}
	s.doc.Status = to
	if errMsg != "" {
		s.doc.Error = errMsg
	}
	s.refreshLocked(note)
	if err := s.writeLocked(); err != nil {
		return err
	}
	if s.rows != nil {
		if err := s.rows.UpdateStatus(ctx, s.id, to, errMsg); err != nil {
			return fmt.Errorf("persist status %s: %w", to, err)
		}
	}
	return nil
}

// MarkAll sets every resource to state.
func (s *Store) MarkAll(state ResourceState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Resources {
		s.doc.Resources[i].Status = state
		s.doc.Resources[i].Message = message
	}
	s.refreshLocked("")
	return s.writeLocked()
}

// Mark sets the named addresses to state. Unknown addresses are ignored.
func (s *Store) Mark(state ResourceState, message string, addrs ...string) error {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Resources {
		if want[s.doc.Resources[i].FullName] {
			s.doc.Resources[i].Status = state
			s.doc.Resources[i].Message = message
		}
	}
	s.refreshLocked("")
	return s.writeLocked()
}

// ResetAttempt replaces the resource list with the attempt's declared
// resources, all pending, and clears the progress floor.
func (s *Store) ResetAttempt(declared []resources.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Resources = pendingEntries(declared)
	s.floor = 0
	s.refreshLocked("")
	return s.writeLocked()
}

// SetRetry records the retry counter on the document and the row.
func (s *Store) SetRetry(ctx context.Context, retryCount int, autoFixed bool) error {
	s.mu.Lock()
	s.doc.RetryCount = retryCount
	s.doc.AutoFixed = autoFixed
	err := s.writeLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.rows != nil {
		return s.rows.UpdateRetry(ctx, s.id, retryCount, autoFixed)
	}
	return nil
}

// SetOutputs records terraform outputs on the document and the row.
func (s *Store) SetOutputs(ctx context.Context, outputs map[string]any) error {
	s.mu.Lock()
	s.doc.Outputs = outputs
	err := s.writeLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.rows != nil {
		return s.rows.SaveOutputs(ctx, s.id, outputs)
	}
	return nil
}

// SetSummary attaches the final run summary to status.json.
func (s *Store) SetSummary(summary any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Summary = summary
	return s.writeLocked()
}

func (s *Store) refreshLocked(note string) {
	p := Progress(s.doc.Resources, s.doc.Status)
	if p < s.floor {
		p = s.floor
	}
	s.floor = p
	s.doc.Progress = p
	if note != "" {
		s.doc.Message = note
	} else {
		s.doc.Message = Message(p, s.doc.Resources)
	}
	s.doc.UpdatedAt = time.Now().UTC()
}

func (s *Store) writeLocked() error {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := workspace.WriteFileAtomic(s.path, b, 0o644); err != nil {
		logger.ForDeployment(s.id).Error("status write failed", zap.Error(err))
		return err
	}
	return nil
}

// Abandon marks the document at path failed with errMsg unless it is already
// terminal. It is used for runs whose worker went away.
func Abandon(path, errMsg string) error {
	return Settle(path, models.StatusFailed, "Deployment failed", errMsg)
}

// Settle moves the document at path to the terminal status to without a
// running Store. A document that is already terminal is left alone.
func Settle(path string, to models.Status, message, errMsg string) error {
	doc, err := Read(path)
	if err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		return nil
	}
	doc.Status = to
	if errMsg != "" {
		doc.Error = errMsg
	}
	doc.Message = message
	doc.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return workspace.WriteFileAtomic(path, b, 0o644)
}
