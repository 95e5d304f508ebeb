package paths

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeDir_CreatedWithRestrictedMode(t *testing.T) {
	dir, err := RuntimeDir()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestSocketPath_UnderRuntimeDir(t *testing.T) {
	dir, err := RuntimeDir()
	require.NoError(t, err)
	sock, err := SocketPath()
	require.NoError(t, err)
	assert.Equal(t, dir+"/server.sock", sock)
}

func TestWriteReadPID_RoundTrip(t *testing.T) {
	require.NoError(t, WritePID())
	assert.Equal(t, os.Getpid(), ReadPID())
}

func TestReadPID_MissingFileReturnsZero(t *testing.T) {
	p, err := PIDPath()
	require.NoError(t, err)
	_ = os.Remove(p)
	assert.Equal(t, 0, ReadPID())
}

func TestProcessAlive_SelfIsAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}

func TestProcessAlive_ZeroOrNegativeIsFalse(t *testing.T) {
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}

func TestRemoveStaleFiles_IgnoresAlreadyGone(t *testing.T) {
	require.NoError(t, RemoveStaleFiles())
	require.NoError(t, RemoveStaleFiles())
}
