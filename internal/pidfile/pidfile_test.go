package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "agentport.pid"))
	require.NoError(t, p.Acquire())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = p.Read()
	assert.Error(t, err)
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentport.pid")
	// A PID from a crashed run that no longer exists.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0644))

	p := New(path)
	require.NoError(t, p.Acquire())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireIsReentrantForSameProcess(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "agentport.pid"))
	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())
}

func TestAcquireRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentport.pid")
	// PID 1 is always alive.
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))

	err := New(path).Acquire()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReleaseMissingFile(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "missing.pid"))
	assert.NoError(t, p.Release())
}
