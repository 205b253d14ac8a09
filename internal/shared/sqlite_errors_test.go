package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database busy"), true},
		{"locked", fmt.Errorf("exec: %w", errors.New("database is locked (5)")), true},
		{"other", errors.New("no such table: responses"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	t.Run("retries conflicts", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), "save", 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("RetryOnConflict() = %v after %d calls, want nil after 3", err, calls)
		}
	})

	t.Run("stops on other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint failed")
		err := RetryOnConflict(context.Background(), "save", 3, time.Millisecond, func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("RetryOnConflict() = %v after %d calls, want boom after 1", err, calls)
		}
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryOnConflict(ctx, "save", 3, time.Hour, func() error {
			return errors.New("SQLITE_BUSY")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RetryOnConflict() = %v, want context.Canceled", err)
		}
	})
}
