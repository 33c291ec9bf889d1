// Package registry tracks the deployments running in this process.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// Entry describes one running deployment. Stage names the terraform
// subprocess currently running, empty between stages.
type Entry struct {
	ID           string
	Dir          string
	Token        *CancellationToken
	Stage        string
	StageStarted time.Time
	StartedAt    time.Time
	Done         <-chan struct{}
}

type entry struct {
	Entry
	done chan struct{}
}

// Registry is a mutex-guarded map of running deployments.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register claims id. A second registration for a running id is a conflict.
func (r *Registry) Register(id, dir string) (*CancellationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, appErr.Newf(appErr.CodeConflict, "deployment %s is already running", id)
	}
	done := make(chan struct{})
	e := &entry{
		Entry: Entry{ID: id, Dir: dir, Token: NewToken(dir), StartedAt: time.Now().UTC(), Done: done},
		done:  done,
	}
	r.entries[id] = e
	return e.Token, nil
}

// RequestStop writes the stop marker for a registered deployment. It
// reports false when id is not running here.
func (r *Registry) RequestStop(id string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var token *CancellationToken
	var stage string
	if ok {
		token, stage = e.Token, e.Stage
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := token.Request(); err != nil {
		return false, err
	}
	logger.ForDeployment(id).Info("stop requested", zap.String("running_stage", stage))
	return true, nil
}

// Unregister drops id, deletes its stop marker and releases waiters.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := e.Token.Clear(); err != nil {
		logger.ForDeployment(id).Warn("stop marker cleanup failed", zap.Error(err))
	}
	close(e.done)
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// SetStage records the stage whose subprocess is now running for id.
func (r *Registry) SetStage(id, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Stage = stage
		e.StageStarted = time.Now().UTC()
	}
}

func (r *Registry) ClearStage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Stage = ""
		e.StageStarted = time.Time{}
	}
}

// Active lists running ids in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
