package authtoken

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func init() {
	retryDelay = time.Millisecond
}

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestGetValidTokenReturnsErrorBeforeAnyTokenSet(t *testing.T) {
	p := New(nil, nil)
	if _, err := p.GetValidToken(context.Background()); err == nil {
		t.Fatalf("expected an error before any token is set")
	}
}

func TestSetTokensMakesGetValidTokenSucceed(t *testing.T) {
	p := New(nil, nil)
	defer p.Stop()

	tok := signToken(t, time.Now().Add(time.Hour))
	p.SetTokens(tok, "refresh-1")

	got, err := p.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != tok {
		t.Fatalf("expected token to match what was set")
	}
}

func TestForceRefreshRetriesThenSucceeds(t *testing.T) {
	var calls int32
	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return "", "", context.DeadlineExceeded
		}
		return signToken(t, time.Now().Add(time.Hour)), "refresh-2", nil
	}
	p := New(refresh, nil)
	defer p.Stop()
	p.SetTokens(signToken(t, time.Now().Add(time.Hour)), "refresh-1")

	newToken, err := p.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if newToken == "" {
		t.Fatalf("expected a refreshed token")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 refresh attempts, got %d", calls)
	}
}

func TestForceRefreshTransitionsToLoggedOutAfterExhaustingRetries(t *testing.T) {
	var loggedOut int32
	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		return "", "", context.DeadlineExceeded
	}
	p := New(refresh, func() { atomic.AddInt32(&loggedOut, 1) })
	defer p.Stop()
	p.SetTokens(signToken(t, time.Now().Add(time.Hour)), "refresh-1")

	if _, err := p.ForceRefresh(context.Background()); err == nil {
		t.Fatalf("expected ForceRefresh to fail after exhausting retries")
	}
	if atomic.LoadInt32(&loggedOut) != 1 {
		t.Fatalf("expected onLoggedOut to fire exactly once")
	}
	if _, err := p.GetValidToken(context.Background()); err == nil {
		t.Fatalf("expected GetValidToken to fail once logged out")
	}
}

func TestForceRefreshWithoutRefreshTokenLogsOutImmediately(t *testing.T) {
	var loggedOut int32
	p := New(nil, func() { atomic.AddInt32(&loggedOut, 1) })
	defer p.Stop()

	if _, err := p.ForceRefresh(context.Background()); err == nil {
		t.Fatalf("expected error with no refresh token available")
	}
	if atomic.LoadInt32(&loggedOut) != 1 {
		t.Fatalf("expected immediate logout when there is no refresh token")
	}
}
