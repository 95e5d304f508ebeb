package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswa/amux/session"
)

func winsize() session.Winsize { return session.Winsize{Rows: 24, Cols: 80} }

func TestCreate_ExplicitName(t *testing.T) {
	r := New(nil)
	name, err := r.Create("build", []string{"true"}, winsize())
	require.NoError(t, err)
	assert.Equal(t, "build", name)
}

func TestCreate_DuplicateNameRejected(t *testing.T) {
	r := New(nil)
	_, err := r.Create("build", []string{"true"}, winsize())
	require.NoError(t, err)

	_, err = r.Create("build", []string{"true"}, winsize())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_AutoNamingSequential(t *testing.T) {
	r := New(nil)
	n1, err := r.Create("", []string{"true"}, winsize())
	require.NoError(t, err)
	n2, err := r.Create("", []string{"true"}, winsize())
	require.NoError(t, err)
	assert.Equal(t, "session-1", n1)
	assert.Equal(t, "session-2", n2)
}

func TestCreate_AutoNamingReusesReapedSlot(t *testing.T) {
	orig := session.KillGrace
	session.KillGrace = 20 * time.Millisecond
	defer func() { session.KillGrace = orig }()

	r := New(nil)
	n1, err := r.Create("", []string{"true"}, winsize())
	require.NoError(t, err)
	require.Equal(t, "session-1", n1)

	s, err := r.Get(n1)
	require.NoError(t, err)
	<-s.Done()

	dead := r.Reap()
	require.Equal(t, []string{"session-1"}, dead)

	n2, err := r.Create("", []string{"true"}, winsize())
	require.NoError(t, err)
	assert.Equal(t, "session-1", n2, "freed name should be reused, not skipped")
}

func TestKill_DoesNotRemoveEntryUntilReaped(t *testing.T) {
	orig := session.KillGrace
	session.KillGrace = 20 * time.Millisecond
	defer func() { session.KillGrace = orig }()

	r := New(nil)
	name, err := r.Create("", []string{"sleep", "30"}, winsize())
	require.NoError(t, err)

	require.NoError(t, r.Kill(name))

	// Immediately after Kill, the entry must still be visible in List
	// (it may transiently still show alive=true until the engine
	// actually tears down).
	found := false
	for _, info := range r.List() {
		if info.Name == name {
			found = true
		}
	}
	assert.True(t, found, "Kill must not remove the entry; only Reap does")

	s, err := r.Get(name)
	require.NoError(t, err)
	<-s.Done()

	dead := r.Reap()
	assert.Equal(t, []string{name}, dead)

	_, err = r.Get(name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKill_UnknownNameReturnsNotFound(t *testing.T) {
	r := New(nil)
	err := r.Kill("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_ReflectsAliveness(t *testing.T) {
	r := New(nil)
	name, err := r.Create("", []string{"true"}, winsize())
	require.NoError(t, err)

	s, err := r.Get(name)
	require.NoError(t, err)
	<-s.Done()

	infos := r.List()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Alive)
	assert.Equal(t, "true", infos[0].Command)
}

func TestWaitAllDone_ReturnsAfterKillAll(t *testing.T) {
	orig := session.KillGrace
	session.KillGrace = 20 * time.Millisecond
	defer func() { session.KillGrace = orig }()

	r := New(nil)
	_, err := r.Create("", []string{"sleep", "30"}, winsize())
	require.NoError(t, err)
	_, err = r.Create("", []string{"sleep", "30"}, winsize())
	require.NoError(t, err)

	r.KillAll()

	done := make(chan struct{})
	go func() {
		r.WaitAllDone()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAllDone did not return after KillAll")
	}

	dead := r.Reap()
	assert.Len(t, dead, 2)
}
