package registry

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

func TestToken(t *testing.T) {
	tok := NewToken(t.TempDir())
	assert.False(t, tok.Requested())
	assert.NoError(t, tok.Err())
	require.NoError(t, tok.Clear())

	require.NoError(t, tok.Request())
	assert.True(t, tok.Requested())
	assert.ErrorIs(t, tok.Err(), ErrCancellationRequested)

	require.NoError(t, tok.Clear())
	assert.False(t, tok.Requested())
}

func TestTokenSeesMarkerFromAnotherWriter(t *testing.T) {
	dir := t.TempDir()
	worker := NewToken(dir)
	api := NewToken(dir)
	require.NoError(t, api.Request())
	assert.ErrorIs(t, worker.Err(), ErrCancellationRequested)
}

func TestRegisterConflicts(t *testing.T) {
	r := New()
	dir := t.TempDir()
	_, err := r.Register("DP1712345678ABC123", dir)
	require.NoError(t, err)

	_, err = r.Register("DP1712345678ABC123", dir)
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

	r.Unregister("DP1712345678ABC123")
	_, err = r.Register("DP1712345678ABC123", dir)
	assert.NoError(t, err)
}

func TestRegisterRace(t *testing.T) {
	r := New()
	dir := t.TempDir()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("DP1712345678ABC123", dir); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStopAndUnregister(t *testing.T) {
	r := New()
	dir := t.TempDir()
	tok, err := r.Register("DP1712345678ABC123", dir)
	require.NoError(t, err)

	accepted, err := r.RequestStop("UNKNOWN00000000000")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = r.RequestStop("DP1712345678ABC123")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, tok.Requested())

	e, ok := r.Lookup("DP1712345678ABC123")
	require.True(t, ok)
	r.Unregister("DP1712345678ABC123")

	<-e.Done
	assert.False(t, tok.Requested())
	_, ok = r.Lookup("DP1712345678ABC123")
	assert.False(t, ok)
	r.Unregister("DP1712345678ABC123")
}

func TestStageTracking(t *testing.T) {
	r := New()
	_, err := r.Register("TP20240101120000ABCDEF", t.TempDir())
	require.NoError(t, err)
	_, err = r.Register("DP1712345678ABC123", t.TempDir())
	require.NoError(t, err)

	r.SetStage("DP1712345678ABC123", "apply")
	e, _ := r.Lookup("DP1712345678ABC123")
	assert.Equal(t, "apply", e.Stage)
	assert.False(t, e.StageStarted.IsZero())
	r.ClearStage("DP1712345678ABC123")
	e, _ = r.Lookup("DP1712345678ABC123")
	assert.Empty(t, e.Stage)
	assert.True(t, e.StageStarted.IsZero())

	r.SetStage("DP1712345678NOPE00", "plan")
	_, ok := r.Lookup("DP1712345678NOPE00")
	assert.False(t, ok)

	assert.Equal(t, []string{"DP1712345678ABC123", "TP20240101120000ABCDEF"}, r.Active())
}

// Run with -race: stop requests arrive from the HTTP path while the run
// updates its stage.
func TestStopWhileStagesChange(t *testing.T) {
	r := New()
	tok, err := r.Register("DP1712345678ABC123", t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				r.SetStage("DP1712345678ABC123", "apply")
			} else {
				r.ClearStage("DP1712345678ABC123")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			ok, err := r.RequestStop("DP1712345678ABC123")
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	}()
	wg.Wait()
	assert.True(t, tok.Requested())
}
