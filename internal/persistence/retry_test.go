package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("constraint failed"), false},
		{errors.New("database is locked"), true},
		{fmt.Errorf("insert task: %w", errors.New("database table is locked")), true},
		{errors.New("SQLITE_BUSY (5)"), true},
	} {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked")
	cases := []struct {
		name      string
		failUntil int
		failWith  error
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, nil, 3, 1, false},
		{"non-busy error is not retried", 99, errors.New("boom"), 3, 1, true},
		{"busy then success", 2, busy, 3, 3, false},
		{"busy exhausts retries", 99, busy, 2, 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failUntil {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnBusy(ctx, 5, func() error { return errors.New("database is locked") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
