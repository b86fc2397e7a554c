package tabs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/metrics"
)

type tickLog struct {
	mu    sync.Mutex
	ticks map[int]int
}

func (l *tickLog) record(tabID int, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ticks == nil {
		l.ticks = make(map[int]int)
	}
	l.ticks[tabID]++
}

func (l *tickLog) count(tabID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks[tabID]
}

func TestTickFiresAndReschedules(t *testing.T) {
	log := &tickLog{}
	tr := New(10*time.Millisecond, log.record, nil)
	defer tr.Close()

	tr.Start(1)
	deadline := time.Now().Add(2 * time.Second)
	for log.count(1) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if log.count(1) < 3 {
		t.Fatalf("expected periodic ticks, got %d", log.count(1))
	}
}

func TestRemoveStopsTicks(t *testing.T) {
	log := &tickLog{}
	tr := New(5*time.Millisecond, log.record, nil)

	tr.Start(7)
	time.Sleep(20 * time.Millisecond)
	tr.Remove(7)
	after := log.count(7)
	time.Sleep(50 * time.Millisecond)

	if log.count(7) != after {
		t.Errorf("tick fired after Remove: %d -> %d", after, log.count(7))
	}
	if tr.Tracking(7) {
		t.Error("tab still tracked after Remove")
	}
}

func TestRemoveWaitsForInFlightTick(t *testing.T) {
	var inTick, finished atomic.Bool
	release := make(chan struct{})
	tr := New(5*time.Millisecond, func(int, time.Duration) {
		if inTick.Swap(true) {
			return
		}
		<-release
		finished.Store(true)
	}, nil)

	tr.Start(1)
	for !inTick.Load() {
		time.Sleep(time.Millisecond)
	}

	removed := make(chan struct{})
	go func() {
		tr.Remove(1)
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("Remove returned while a tick was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-removed
	if !finished.Load() {
		t.Error("in-flight tick did not complete")
	}
}

func TestStartSupersedesSession(t *testing.T) {
	tr := New(time.Hour, nil, nil)
	defer tr.Close()

	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	tr.Start(3)
	now = now.Add(90 * time.Second)
	if d, ok := tr.Elapsed(3); !ok || d != 90*time.Second {
		t.Fatalf("Elapsed = %v,%v", d, ok)
	}

	tr.Start(3)
	if d, _ := tr.Elapsed(3); d != 0 {
		t.Errorf("expected new session to reset elapsed, got %v", d)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 session, got %d", tr.Len())
	}
}

func TestElapsedPassedToTick(t *testing.T) {
	got := make(chan time.Duration, 1)
	tr := New(10*time.Millisecond, func(_ int, elapsed time.Duration) {
		select {
		case got <- elapsed:
		default:
		}
	}, nil)
	defer tr.Close()

	tr.Start(1)
	select {
	case d := <-got:
		if d < 10*time.Millisecond {
			t.Errorf("expected elapsed >= interval, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
}

func TestResetOnCredentialCleared(t *testing.T) {
	m := metrics.New()
	tr := New(time.Hour, nil, m)
	tr.Start(1)
	tr.Start(2)

	tr.OnCredentialChange(credential.Change{Token: "tok"})
	if tr.Len() != 2 {
		t.Fatalf("login must not reset sessions, got %d", tr.Len())
	}

	tr.OnCredentialChange(credential.Change{})
	if tr.Len() != 0 {
		t.Errorf("expected sessions cleared, got %d", tr.Len())
	}
}

func TestUnknownTab(t *testing.T) {
	tr := New(time.Hour, nil, nil)
	if _, ok := tr.Elapsed(99); ok {
		t.Error("expected unknown tab")
	}
	tr.Remove(99)
}
