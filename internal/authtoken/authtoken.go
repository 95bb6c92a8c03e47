// Package authtoken implements the Auth/Token Provider (C8): it holds the
// current bearer, proactively refreshes it ahead of expiry, and exposes a
// distinct error kind when refresh itself fails so the orchestrator can
// transition to a logged-out state.
//
// Grounded on auth_service.py's _on_access_token_received/
// _schedule_next_refresh (the "central hub" pattern: every new token,
// whether from login, storage, or refresh, re-arms a single-shot timer
// derived from the JWT's exp claim minus a 60s buffer) and on this
// codebase's infrastructures/tokenstore/tokenstore.go refreshToken (retry
// loop, single in-flight refresh guarded by a mutex).
package authtoken

import (
	"context"
	"sync"
	"time"

	"velidesync/internal/errkind"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
)

const (
	refreshBuffer = 60 * time.Second
	retryAttempts = 3
)

// retryDelay is a var rather than a const so tests can shrink it.
var retryDelay = 2 * time.Second

// RefreshFunc exchanges a refresh token for a new (access, refresh) pair.
// Supplied by the caller since the concrete OAuth device-flow exchange is
// outside this package's scope.
type RefreshFunc func(ctx context.Context, refreshToken string) (accessToken, refreshToken string, err error)

// Provider is the process-wide token holder.
type Provider struct {
	refresh RefreshFunc

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	loggedOut    bool

	onLoggedOut func()

	timer  *time.Timer
	stopCh chan struct{}
}

// New constructs a Provider. Call SetTokens once an initial token pair is
// available (from a stored session or a completed login flow) before
// GetValidToken is usable.
func New(refresh RefreshFunc, onLoggedOut func()) *Provider {
	return &Provider{
		refresh:     refresh,
		onLoggedOut: onLoggedOut,
		stopCh:      make(chan struct{}),
	}
}

// SetTokens installs a new token pair and reschedules the proactive
// refresh timer, mirroring _on_access_token_received's role as the single
// hub every token source funnels through.
func (p *Provider) SetTokens(accessToken, refreshToken string) {
	p.mu.Lock()
	p.accessToken = accessToken
	p.refreshToken = refreshToken
	p.loggedOut = false
	p.mu.Unlock()

	p.scheduleNextRefresh(accessToken)
}

// GetValidToken returns the current bearer. It does not itself check
// expiry beyond what the proactive refresh timer already maintains. A 401
// from the cloud client reaches its caller as an Auth error; nothing calls
// ForceRefresh or retries the request in response to it.
func (p *Provider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loggedOut || p.accessToken == "" {
		return "", errkind.New(errkind.Auth, "authtoken.GetValidToken", nil)
	}
	return p.accessToken, nil
}

// ForceRefresh performs an immediate refresh, retrying transient failures
// up to retryAttempts times before giving up, the same retry count as
// tokenstore.go's retryNum.
func (p *Provider) ForceRefresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	refreshToken := p.refreshToken
	p.mu.Unlock()

	if refreshToken == "" {
		p.markLoggedOut()
		return "", errkind.New(errkind.Auth, "authtoken.ForceRefresh", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		access, next, err := p.refresh(ctx, refreshToken)
		if err == nil {
			metrics.AuthRefreshTotal.WithLabelValues("success").Inc()
			p.SetTokens(access, next)
			return access, nil
		}
		lastErr = err
		metrics.AuthRefreshTotal.WithLabelValues("retry").Inc()
		logging.Warnf("authtoken: refresh attempt %d/%d failed: %v", attempt, retryAttempts, err)
		select {
		case <-ctx.Done():
			return "", errkind.New(errkind.Auth, "authtoken.ForceRefresh", ctx.Err())
		case <-time.After(retryDelay):
		}
	}

	p.markLoggedOut()
	return "", errkind.New(errkind.Auth, "authtoken.ForceRefresh", lastErr)
}

func (p *Provider) markLoggedOut() {
	p.mu.Lock()
	p.loggedOut = true
	p.accessToken = ""
	p.mu.Unlock()
	metrics.AuthRefreshTotal.WithLabelValues("failure").Inc()
	logging.Errorf("authtoken: refresh failed, transitioning to logged-out")
	if p.onLoggedOut != nil {
		p.onLoggedOut()
	}
}

// scheduleNextRefresh decodes the JWT's exp claim (without verifying the
// signature — only the authorization server needs to) and arms a
// single-shot timer refreshBuffer before expiry. If the token cannot be
// decoded, no timer is armed and the bearer is not refreshed proactively;
// a 401 from the cloud does not trigger a refresh either.
func (p *Provider) scheduleNextRefresh(accessToken string) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		logging.Warnf("authtoken: could not decode token for proactive refresh scheduling: %v", err)
		return
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		logging.Warnf("authtoken: token has no exp claim, relying on 401-triggered refresh")
		return
	}

	delay := time.Until(expiresAt.Time) - refreshBuffer
	if delay <= 0 {
		p.onRefreshTimerFired()
		return
	}

	p.mu.Lock()
	p.timer = time.AfterFunc(delay, p.onRefreshTimerFired)
	p.mu.Unlock()
}

func (p *Provider) onRefreshTimerFired() {
	select {
	case <-p.stopCh:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.ForceRefresh(ctx); err != nil {
		logging.Errorf("authtoken: proactive refresh failed: %v", err)
	}
}

// Stop cancels any pending refresh timer. Safe to call more than once.
func (p *Provider) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
}
