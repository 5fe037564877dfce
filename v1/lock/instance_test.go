package lock

import (
	"errors"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

func TestInstanceIndexIsWriteOnce(t *testing.T) {
	in := NewInstance("w", 0, nil)
	if _, err := in.Index(); !errors.Is(err, warperrors.ErrEmpty) {
		t.Fatalf("expected ErrEmpty before set, got %v", err)
	}
	if err := in.SetIndex(3); err != nil {
		t.Fatalf("set index: %v", err)
	}
	if i, err := in.Index(); err != nil || i != 3 {
		t.Fatalf("expected 3, got %d err %v", i, err)
	}
	if err := in.SetIndex(4); !errors.Is(err, warperrors.ErrEmpty) {
		t.Fatalf("expected ErrEmpty on second set, got %v", err)
	}
	if i, _ := in.Index(); i != 3 {
		t.Fatalf("second set must not overwrite, got %d", i)
	}
}

func TestInstanceExecutedIsOneWay(t *testing.T) {
	in := NewInstance("w", 0, nil)
	if in.Executed() {
		t.Fatal("executed should default to false")
	}
	if err := in.SetExecuted(false); !errors.Is(err, warperrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := in.SetExecuted(true); err != nil {
		t.Fatalf("set executed: %v", err)
	}
	if !in.Executed() {
		t.Fatal("expected executed")
	}
	if err := in.SetExecuted(true); !errors.Is(err, warperrors.ErrInvalidExecution) {
		t.Fatalf("expected ErrInvalidExecution, got %v", err)
	}
}

func TestInstanceSetStateRefreshesUpdated(t *testing.T) {
	in := NewInstance("w", 0, nil)
	before := in.Updated()
	time.Sleep(2 * time.Millisecond)
	in.SetState(StateLocked)
	if in.State() != StateLocked {
		t.Fatalf("expected locked, got %v", in.State())
	}
	if !in.Updated().After(before) {
		t.Fatal("expected updated to move forward")
	}
}

func TestInstanceCloneIsIndependent(t *testing.T) {
	in := NewInstance("w", 0, nil)
	in.SetState(StateLocked)
	_ = in.SetIndex(1)

	c := in.Clone()
	if c == in {
		t.Fatal("clone must be a new instance")
	}
	ci, _ := c.Index()
	if c.Name() != "w" || c.State() != StateLocked || ci != 1 || !c.Updated().Equal(in.Updated()) || c.Executed() {
		t.Fatal("clone differs from source")
	}

	c.SetState(StateExpired)
	if err := c.SetExecuted(true); err != nil {
		t.Fatalf("set executed on clone: %v", err)
	}
	if in.State() != StateLocked || in.Executed() {
		t.Fatal("mutating the clone changed the source")
	}
	in.SetState(StateUnlocked)
	if c.State() != StateExpired {
		t.Fatal("mutating the source changed the clone")
	}
	if err := c.SetIndex(2); !errors.Is(err, warperrors.ErrEmpty) {
		t.Fatalf("clone keeps the index write-once state, got %v", err)
	}
}

func TestInstanceExpirationReceivesSnapshot(t *testing.T) {
	got := make(chan *Instance, 1)
	in := NewInstance("w", 10*time.Millisecond, func(s *Instance) { got <- s })
	defer in.Dispose()
	in.SetState(StateLocked)

	select {
	case s := <-got:
		if s == in {
			t.Fatal("callback must receive a snapshot, not the live instance")
		}
		if s.Name() != "w" || s.State() != StateLocked {
			t.Fatalf("unexpected snapshot %s %v", s.Name(), s.State())
		}
		s.SetState(StateExpired)
		if in.State() != StateLocked {
			t.Fatal("snapshot mutation leaked into the instance")
		}
	case <-time.After(time.Second):
		t.Fatal("expiration callback not invoked")
	}
}

func TestInstanceDisposeStopsExpiration(t *testing.T) {
	fired := make(chan struct{}, 1)
	in := NewInstance("w", 10*time.Millisecond, func(*Instance) { fired <- struct{}{} })
	in.Dispose()
	in.Dispose()
	select {
	case <-fired:
		t.Fatal("disposed instance must not fire")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestInstanceWithoutCallbackDoesNotArm(t *testing.T) {
	in := NewInstance("w", time.Millisecond, nil)
	if in.timer != nil {
		t.Fatal("timer armed without callback")
	}
	in = NewInstance("w", 0, func(*Instance) {})
	if in.timer != nil {
		t.Fatal("timer armed without expiration")
	}
}
