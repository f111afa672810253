package readiness

import (
	"context"
	goerrs "errors"
	"testing"
	"time"

	"github.com/sessamekesh/routebus/pkg/errors"
)

func mustLatch(t *testing.T, names ...string) *Latch {
	t.Helper()
	l, err := CreateLatch(names...)
	if err != nil {
		t.Fatalf("CreateLatch: %v", err)
	}
	return l
}

func TestLatchOpensWhenAllModulesReport(t *testing.T) {
	l := mustLatch(t, "Math", "Clock")

	waited := make(chan error, 1)
	go func() { waited <- l.Wait(context.Background()) }()

	if err := l.Done("Math"); err != nil {
		t.Fatalf("Done(Math): %v", err)
	}
	select {
	case <-l.Ready():
		t.Fatal("latch opened with Clock still pending")
	case <-time.After(20 * time.Millisecond):
	}

	if err := l.Done("Clock"); err != nil {
		t.Fatalf("Done(Clock): %v", err)
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestLatchRejectsUnknownAndRepeatedModules(t *testing.T) {
	l := mustLatch(t, "Math")
	if err := l.Done("Math"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	var collision *errors.NameCollision
	if err := l.Done("Math"); !goerrs.As(err, &collision) || collision.Code() != errors.CodeNameCollision {
		t.Errorf("second Done should be a name collision, got %v", err)
	}
	var unknown *UnknownModuleError
	if err := l.Done("Other"); !goerrs.As(err, &unknown) || unknown.Name != "Other" {
		t.Errorf("unknown module should fail, got %v", err)
	}
}

func TestLatchWaitHonorsContext(t *testing.T) {
	l := mustLatch(t, "Slow")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	if !goerrs.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if pending := l.Pending(); len(pending) != 1 || pending[0] != "Slow" {
		t.Errorf("pending = %v", pending)
	}
}

func TestEmptyLatchIsOpen(t *testing.T) {
	select {
	case <-mustLatch(t).Ready():
	default:
		t.Fatal("empty latch should be open")
	}
}

func TestDuplicateModuleNamesCollide(t *testing.T) {
	_, err := CreateLatch("Math", "Clock", "Math")
	var collision *errors.NameCollision
	if !goerrs.As(err, &collision) || collision.Name != "Math" {
		t.Fatalf("expected collision on Math, got %v", err)
	}
}
