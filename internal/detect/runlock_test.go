package detect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerAcquireRelease(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "baseline", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := l.Acquire(ctx, "baseline", time.Minute); !errors.Is(err, ErrRunLocked) {
		t.Errorf("second Acquire() error = %v, want ErrRunLocked", err)
	}

	// Different names are independent locks.
	release2, err := l.Acquire(ctx, "rules", time.Minute)
	if err != nil {
		t.Errorf("Acquire(rules) error = %v", err)
	} else {
		release2()
	}

	release()
	release3, err := l.Acquire(ctx, "baseline", time.Minute)
	if err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	} else {
		release3()
	}
}
