package lease

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyStableAcrossSpellings(t *testing.T) {
	a := Key("/srv/ark/island")
	b := Key("/srv/ark/island/")
	c := Key("/srv/ark/./island")
	if a != b || a != c {
		t.Errorf("equivalent paths produced different keys: %s %s %s", a, b, c)
	}
	if a == Key("/srv/ark/ragnarok") {
		t.Error("distinct directories must produce distinct keys")
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	m := NewManager(t.TempDir(), 300*time.Millisecond)
	dir := t.TempDir()

	first, err := m.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer first.Release()

	if _, err := m.Acquire(context.Background(), dir); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire should report busy, got %v", err)
	}

	first.Release()

	second, err := m.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	second.Release()
}

func TestAcquireDifferentDirsIndependent(t *testing.T) {
	m := NewManager(t.TempDir(), 300*time.Millisecond)

	a, err := m.Acquire(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer a.Release()

	b, err := m.Acquire(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("independent directory blocked: %v", err)
	}
	b.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), time.Second)
	l, err := m.Acquire(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	l.Release() // must not panic or double-close
}

func TestStaleLockIsBroken(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, time.Second)
	dir := t.TempDir()

	// Plant a lock whose holder is this process but whose file has not
	// been refreshed within the staleness window, as after a crash that
	// left the file behind.
	lockPath := filepath.Join(lockDir, Key(dir)+".lock")
	data, _ := json.Marshal(lockInfo{PID: os.Getpid(), Dir: dir, AcquiredAt: time.Now().Add(-time.Hour)})
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-3 * time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	l, err := m.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("stale lock was not broken: %v", err)
	}
	l.Release()
}

func TestUnreadableStaleLockIsBroken(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, time.Second)
	dir := t.TempDir()

	lockPath := filepath.Join(lockDir, Key(dir)+".lock")
	if err := os.WriteFile(lockPath, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-3 * time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	l, err := m.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("unreadable stale lock was not broken: %v", err)
	}
	l.Release()
}

func TestAcquireCancellable(t *testing.T) {
	m := NewManager(t.TempDir(), time.Minute)
	dir := t.TempDir()

	holder, err := m.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := m.Acquire(ctx, dir); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline error, got %v", err)
	}
}

func TestNeverHeldConcurrently(t *testing.T) {
	m := NewManager(t.TempDir(), 5*time.Second)
	dir := t.TempDir()

	var inCritical atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), dir)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if n := inCritical.Add(1); n != 1 {
				t.Errorf("%d holders inside the critical section", n)
			}
			time.Sleep(20 * time.Millisecond)
			inCritical.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
}
