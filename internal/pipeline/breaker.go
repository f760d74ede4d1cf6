package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// BreakerDoer fails fast while the remote API keeps failing. Transport errors and
// 5xx answers count as failures; every other status, 401 included, is a success.
type BreakerDoer struct {
	next Doer
	cb   *gobreaker.CircuitBreaker[*http.Response]
}

type serverError struct {
	resp *http.Response
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server answered %d", e.resp.StatusCode)
}

func NewBreakerDoer(next Doer, s BreakerSettings, log zerolog.Logger) *BreakerDoer {
	failures := s.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("pipeline: breaker state changed")
		},
	})
	return &BreakerDoer{next: next, cb: cb}
}

func (b *BreakerDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := b.cb.Execute(func() (*http.Response, error) {
		resp, err := b.next.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &serverError{resp: resp}
		}
		return resp, nil
	})

	var se *serverError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return resp, err
}

// State is exposed for diagnostics.
func (b *BreakerDoer) State() gobreaker.State {
	return b.cb.State()
}
