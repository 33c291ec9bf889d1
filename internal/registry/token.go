package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/iac-studio/deployengine/internal/workspace"
)

// ErrCancellationRequested is returned at a stage boundary once a stop was asked for.
var ErrCancellationRequested = errors.New("cancellation requested")

// CancellationToken is backed by the .stop_deployment marker in a working
// directory, so a stop issued from another process is seen by the worker.
type CancellationToken struct {
	path string
}

func NewToken(dir string) *CancellationToken {
	return &CancellationToken{path: filepath.Join(dir, workspace.StopMarkerFile)}
}

func (t *CancellationToken) Path() string { return t.path }

// Request writes the marker.
func (t *CancellationToken) Request() error {
	if err := os.WriteFile(t.path, []byte("stop\n"), 0o644); err != nil {
		return fmt.Errorf("write stop marker: %w", err)
	}
	return nil
}

// Requested reports whether the marker exists.
func (t *CancellationToken) Requested() bool {
	_, err := os.Stat(t.path)
	return err == nil
}

// Clear removes the marker. A missing marker is not an error.
func (t *CancellationToken) Clear() error {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stop marker: %w", err)
	}
	return nil
}

// Err returns ErrCancellationRequested when the marker exists.
func (t *CancellationToken) Err() error {
	if t.Requested() {
		return ErrCancellationRequested
	}
	return nil
}
