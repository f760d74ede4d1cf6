// Package pipeline wraps outbound API calls: it attaches the bearer credential,
// renews it once on an authorization failure and signs the session out when
// renewal is impossible.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/token"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionExpired     = errors.New("session expired")
	ErrServiceUnavailable = errors.New("service unavailable")

	errNoRefreshToken = errors.New("no refresh token")
)

const renewKey = "renew"

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Navigator moves the host application to its login surface.
type Navigator interface {
	ToLogin(ctx context.Context, route string)
}

type NavigatorFunc func(ctx context.Context, route string)

func (f NavigatorFunc) ToLogin(ctx context.Context, route string) { f(ctx, route) }

// SessionError is returned when renewal failed and the session was signed out.
// It matches ErrSessionExpired and the underlying renewal error.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session expired: %v", e.Err)
}

func (e *SessionError) Unwrap() []error {
	return []error{ErrSessionExpired, e.Err}
}

// RenewalError describes a non-2xx answer of the refresh endpoint.
type RenewalError struct {
	StatusCode int
	Body       string
}

func (e *RenewalError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token renewal failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("token renewal failed with status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	RefreshURL   string
	LoginRoute   string
	Navigator    Navigator
	RenewTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

type Pipeline struct {
	doer     Doer
	tokens   *token.Store
	opts     Options
	renewals singleflight.Group // at most one renewal call at any instant

	mu           sync.Mutex
	failedAccess string // access token whose renewal failed
	failure      error
}

func New(doer Doer, tokens *token.Store, opts Options) *Pipeline {
	if opts.RenewTimeout <= 0 {
		opts.RenewTimeout = 10 * time.Second
	}
	if opts.LoginRoute == "" {
		opts.LoginRoute = "/login"
	}
	return &Pipeline{
		doer:   doer,
		tokens: tokens,
		opts:   opts,
	}
}

type noRenewalKey struct{}

// WithoutRenewal marks calls (login, logout) whose 401 must reach the caller untouched.
func WithoutRenewal(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRenewalKey{}, true)
}

func renewalDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRenewalKey{}).(bool)
	return v
}

// Do sends req with the stored access token. A 401 triggers one renewal and one
// replay; the caller only sees the replay's response or the renewal failure.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	used := p.tokens.Access()
	resp, err := p.send(req, body, used)
	if err != nil {
		p.opts.Metrics.Request("error")
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || renewalDisabled(ctx) {
		p.opts.Metrics.Request("ok")
		return resp, nil
	}
	p.opts.Metrics.Request("unauthorized")

	fresh, err := p.renew(ctx, used)
	if errors.Is(err, errNoRefreshToken) {
		return resp, nil
	}
	drain(resp)
	if err != nil {
		return nil, err
	}

	// Second and last attempt: a 401 here goes back to the caller as is.
	resp, err = p.send(req, body, fresh)
	if err != nil {
		p.opts.Metrics.Request("error")
		return nil, err
	}
	p.opts.Metrics.Request("replayed")
	return resp, nil
}

func (p *Pipeline) send(req *http.Request, body []byte, access string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	out.Header.Del("Authorization")
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	}
	return p.doer.Do(out)
}

func (p *Pipeline) renew(ctx context.Context, used string) (string, error) {
	if current := p.tokens.Access(); current != "" && current != used {
		return current, nil
	}
	if p.tokens.Refresh() == "" {
		if err := p.failureFor(used); err != nil {
			return "", err
		}
		p.signOut(ctx)
		return "", errNoRefreshToken
	}

	v, err, shared := p.renewals.Do(renewKey, func() (interface{}, error) {
		// A renewal may have settled between the check above and this flight.
		if current := p.tokens.Access(); current != "" && current != used {
			return current, nil
		}
		return p.callRefresh(ctx, used)
	})
	if err != nil {
		return "", err
	}
	if shared {
		p.opts.Logger.Debug().Msg("pipeline: joined in-flight renewal")
	}
	return v.(string), nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// callRefresh runs detached from the caller's cancellation: other waiters share its result.
func (p *Pipeline) callRefresh(parent context.Context, used string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.RenewTimeout)
	defer cancel()

	access, err := p.postRefresh(ctx, p.tokens.Refresh())
	if err != nil {
		p.opts.Metrics.Renewal(false)
		p.opts.Logger.Warn().Err(err).Msg("pipeline: token renewal failed")
		sessErr := &SessionError{Err: err}
		p.rememberFailure(used, sessErr)
		p.signOut(ctx)
		return "", sessErr
	}

	p.opts.Metrics.Renewal(true)
	p.opts.Logger.Debug().Msg("pipeline: access token renewed")
	return access, nil
}

func (p *Pipeline) postRefresh(ctx context.Context, refresh string) (string, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return "", fmt.Errorf("encoding refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.RefreshURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.doer.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &RenewalError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("refresh response carried no access token")
	}

	p.tokens.SetAccess(ctx, out.AccessToken, out.RefreshToken)
	return out.AccessToken, nil
}

// rememberFailure keeps the renewal failure for requests that were sent with
// used but whose 401 arrives after the session already ended.
func (p *Pipeline) rememberFailure(used string, err error) {
	if used == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedAccess, p.failure = used, err
}

func (p *Pipeline) failureFor(used string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if used == "" || used != p.failedAccess {
		return nil
	}
	return p.failure
}

// signOut clears the credentials; only the call that actually cleared them navigates.
func (p *Pipeline) signOut(ctx context.Context) {
	if !p.tokens.Clear(ctx) {
		return
	}
	p.opts.Metrics.SignOut()
	p.opts.Logger.Warn().Str("route", p.opts.LoginRoute).Msg("pipeline: session ended, redirecting to login")
	if p.opts.Navigator != nil {
		p.opts.Navigator.ToLogin(ctx, p.opts.LoginRoute)
	}
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return body, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
