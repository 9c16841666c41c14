package oauthflow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// State is a flow's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePKCEGenerated
	StateAwaitingCallback
	StateExchangingCode
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePKCEGenerated:
		return "pkce_generated"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CallbackPayload is what the redirect listener extracted from the provider's
// redirect. FlowID selects the session.
type CallbackPayload struct {
	FlowID           string `json:"flow_id"`
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
}

// Flow is the caller's handle on a started authorization flow.
type Flow struct {
	ID               string
	ProviderID       string
	AuthorizationURL string

	state   atomic.Int32
	done    chan struct{}
	once    sync.Once
	record  *tokenstore.Record
	err     error
	forkErr error
}

func newFlow(providerID string) *Flow {
	return &Flow{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		done:       make(chan struct{}),
	}
}

// State returns the flow's current state.
func (f *Flow) State() State {
	return State(f.state.Load())
}

func (f *Flow) setState(s State) {
	f.state.Store(int32(s))
}

// Done is closed once the flow reached Authenticated or Failed.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Result returns the stored record or the failure. It returns ErrFlowPending
// while the flow is running.
func (f *Flow) Result() (*tokenstore.Record, error) {
	select {
	case <-f.done:
		return f.record.Clone(), f.err
	default:
		return nil, ErrFlowPending
	}
}

// ForkErr returns the fork failures of a finished onboarding flow. The
// onboarding token is stored regardless.
func (f *Flow) ForkErr() error {
	select {
	case <-f.done:
		return f.forkErr
	default:
		return nil
	}
}

// Wait blocks until the flow finished or ctx is done.
func (f *Flow) Wait(ctx context.Context) (*tokenstore.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.Result()
	}
}

func (f *Flow) finish(record *tokenstore.Record, err error) {
	f.once.Do(func() {
		f.record = record
		f.err = err
		if err != nil {
			f.setState(StateFailed)
		} else {
			f.setState(StateAuthenticated)
		}
		close(f.done)
	})
}
