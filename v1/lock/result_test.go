package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-namedlock/v1/errors"
)

func TestDoReturnsCallbackValue(t *testing.T) {
	m := newManager(t)
	res := Do(context.Background(), m, "A", func(context.Context) (int, error) { return 42, nil })
	if res.State != StateUnlocked || !res.CallbackSucceeded || res.Value != 42 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDoReportsCallbackError(t *testing.T) {
	m := newManager(t)
	boom := errors.New("boom")
	res := Do(context.Background(), m, "A", func(context.Context) (string, error) { return "partial", boom })
	if res.State != StateUnlocked || res.CallbackSucceeded || !errors.Is(res.Err, boom) || res.Value != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDoExpired(t *testing.T) {
	m := newManager(t)
	hold(t, m, "A")
	res := Do(context.Background(), m, "A", func(context.Context) (int, error) { return 1, nil }, Expiration(10*time.Millisecond))
	if res.State != StateExpired || res.CallbackSucceeded || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDoValidationError(t *testing.T) {
	m := newManager(t)
	res := Do(context.Background(), m, "A", func(context.Context) (int, error) { return 1, nil }, CheckInterval(0))
	if res.State != StateUndefined || !errors.Is(res.Err, warperrors.ErrInvalidArgument) {
		t.Fatalf("unexpected result %+v", res)
	}
}
