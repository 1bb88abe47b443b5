package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStopFlagLifecycle(t *testing.T) {
	s := &Session{ID: "s1"}
	if s.StopRequested() {
		t.Fatal("new session already stopping")
	}
	s.RequestStop()
	s.RequestStop() // idempotent
	if !s.StopRequested() {
		t.Fatal("StopRequested() = false after RequestStop")
	}
	s.ClearStop()
	if s.StopRequested() {
		t.Fatal("StopRequested() = true after ClearStop")
	}
}

func TestCredentialsRotation(t *testing.T) {
	s := &Session{ID: "s1"}
	if got := s.Credentials(); got.Token != "" {
		t.Fatalf("zero-value credentials = %+v", got)
	}

	s.SetCredentials(Credentials{Token: "tok-1"})
	s.SetCredentials(Credentials{Token: "tok-2", Extra: map[string]string{"li_at": "cookie"}})

	got := s.Credentials()
	if got.Token != "tok-2" {
		t.Errorf("Token = %q, want tok-2", got.Token)
	}
	if got.Extra["li_at"] != "cookie" {
		t.Errorf("Extra = %v", got.Extra)
	}
}

func TestManagerGetOrCreateReturnsSameSession(t *testing.T) {
	m := NewManager(testLogger())
	a := m.GetOrCreate("s1")
	b := m.GetOrCreate("s1")
	if a != b {
		t.Error("GetOrCreate returned distinct sessions for one id")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManagerStop(t *testing.T) {
	m := NewManager(testLogger())
	if m.Stop("ghost") {
		t.Error("Stop on unknown session returned true")
	}

	s := m.GetOrCreate("s1")
	if !m.Stop("s1") {
		t.Fatal("Stop returned false for live session")
	}
	if !s.StopRequested() {
		t.Error("stop flag not raised")
	}
	// Stopping again is still a success.
	if !m.Stop("s1") {
		t.Error("second Stop returned false")
	}
}

func TestManagerUpdateCredentialsCreatesSession(t *testing.T) {
	m := NewManager(testLogger())
	m.UpdateCredentials("s1", Credentials{Token: "staged"})

	s, ok := m.Get("s1")
	if !ok {
		t.Fatal("session not created by UpdateCredentials")
	}
	if s.Credentials().Token != "staged" {
		t.Errorf("Token = %q", s.Credentials().Token)
	}
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(testLogger())
	m.GetOrCreate("s1")
	m.Remove("s1")
	if _, ok := m.Get("s1"); ok {
		t.Error("session still present after Remove")
	}
	// Removing twice is fine.
	m.Remove("s1")
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := NewManager(testLogger())
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := m.GetOrCreate("shared")
			s.SetCredentials(Credentials{Token: "t"})
			s.RequestStop()
			_ = s.StopRequested()
			_ = m.Stop("shared")
			if n%2 == 0 {
				m.GetOrCreate("other")
			}
		}(i)
	}
	wg.Wait()
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}
