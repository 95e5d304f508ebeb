package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-ticker.C:
		}
	}
}

func TestSpawn_EchoRoundTrip(t *testing.T) {
	s, err := Spawn("t1", []string{"cat"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	defer s.Kill()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	s.SendInput([]byte("hello\n"))

	// The PTY line discipline translates "\n" to "\r\n" on output (ONLCR),
	// both in the terminal echo and in cat's own copy of the line.
	var got []byte
	deadline := time.After(2 * time.Second)
	for !bytes.Contains(got, []byte("hello\r\n")) {
		select {
		case chunk, ok := <-sub.Ch:
			if !ok {
				t.Fatalf("output channel closed before seeing echo, got %q", got)
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out waiting for echo, got %q", got)
		}
	}
}

func TestSpawn_ScrollbackReplay(t *testing.T) {
	s, err := Spawn("t2", []string{"sh", "-c", "printf AAAA; sleep 10"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	defer s.Kill()

	waitFor(t, time.Second, func() bool {
		return bytes.Contains(s.Scrollback(), []byte("AAAA"))
	})
	assert.True(t, bytes.HasPrefix(s.Scrollback(), []byte("AAAA")))
}

func TestSpawn_KillTerminatesChild(t *testing.T) {
	orig := KillGrace
	KillGrace = 50 * time.Millisecond
	defer func() { KillGrace = orig }()

	s, err := Spawn("t3", []string{"sleep", "30"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)

	require.True(t, s.Alive())
	s.Kill()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down after Kill")
	}
	assert.False(t, s.Alive())
}

func TestSpawn_KillIsIdempotent(t *testing.T) {
	s, err := Spawn("t4", []string{"sleep", "30"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	s.Kill()
	s.Kill() // must not panic on double-close
	<-s.Done()
}

func TestSpawn_ExitEndsBroadcastAndSetsDead(t *testing.T) {
	s, err := Spawn("t5", []string{"true"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)

	sub := s.Subscribe()
	select {
	case _, ok := <-sub.Ch:
		assert.False(t, ok, "expected channel to close on session end")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel never closed")
	}
	waitFor(t, time.Second, func() bool { return !s.Alive() })
}

func TestSubscribe_AfterSessionEnded(t *testing.T) {
	s, err := Spawn("t6", []string{"true"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	<-s.Done()

	sub := s.Subscribe()
	_, ok := <-sub.Ch
	assert.False(t, ok, "subscribing to an ended session should yield an immediately closed channel")
}

func TestSendInput_ZeroLengthIsNoop(t *testing.T) {
	s, err := Spawn("t7", []string{"cat"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	defer s.Kill()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	s.SendInput(nil)
	s.SendInput([]byte("x\n"))

	select {
	case chunk := <-sub.Ch:
		// Terminal echo of "x\n", with "\n" translated to "\r\n" (ONLCR).
		assert.Equal(t, []byte("x\r\n"), chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("expected echo of x")
	}
}

func TestResize_AppliedToPTY(t *testing.T) {
	s, err := Spawn("t9", []string{"cat"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	defer s.Kill()

	s.Resize(Winsize{Rows: 40, Cols: 120})

	waitFor(t, time.Second, func() bool {
		ws, err := pty.GetsizeFull(s.ptmx)
		return err == nil && ws.Rows == 40 && ws.Cols == 120
	})
}

func TestSubscribeWithScrollback_NoDuplicateOrGap(t *testing.T) {
	s, err := Spawn("t10", []string{"sh", "-c", "printf AAAA; sleep 10"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	defer s.Kill()

	waitFor(t, time.Second, func() bool {
		return bytes.Contains(s.Scrollback(), []byte("AAAA"))
	})

	sub, replay := s.SubscribeWithScrollback()
	defer s.Unsubscribe(sub)

	s.SendInput([]byte("z"))

	got := replay
	deadline := time.After(2 * time.Second)
	for !bytes.Contains(got, []byte("z")) {
		select {
		case chunk, ok := <-sub.Ch:
			if !ok {
				t.Fatalf("channel closed early, got %q", got)
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out waiting for echoed z, got %q", got)
		}
	}
	assert.Equal(t, 1, bytes.Count(got, []byte("AAAA")), "scrollback replay must not be duplicated by the stream")
}

func TestSendInput_AfterExitIsSilentlyDropped(t *testing.T) {
	s, err := Spawn("t8", []string{"true"}, Winsize{Rows: 24, Cols: 80}, nil)
	require.NoError(t, err)
	<-s.Done()

	// Must not block or panic.
	done := make(chan struct{})
	go func() {
		s.SendInput([]byte("too late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendInput blocked after session end")
	}
}
