// Package prober drives the handshake → authenticate sequence for device
// identities: once for interactive tests, across many MACs with pacing and
// backoff for batch runs.
package prober

import (
	"context"

	"go.uber.org/zap"

	"github.com/snapetech/stalkerprobe/internal/portal"
)

// Authenticator runs the session flow for exactly one identity: at most one
// handshake followed by exactly one authenticate call. It never retries;
// in particular a rate limit surfaces as-is, because backoff policy differs
// between an interactive caller (user-driven retry) and a batch run
// (policy-driven pacing).
type Authenticator struct {
	// Pace, when set, is awaited before every network-issuing step. The
	// batch prober points this at its job-wide rate limiter; interactive
	// callers leave it nil.
	Pace func(ctx context.Context) error
	Log  *zap.Logger
}

// Run authenticates the session's device identity and returns the classified
// result. The session must be Unestablished, Expired, or already Handshaken.
func (a *Authenticator) Run(ctx context.Context, s *portal.Session) (portal.AuthResult, error) {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}
	if s.State() != portal.StateHandshaken {
		if err := a.pace(ctx); err != nil {
			return portal.AuthResult{}, err
		}
		if err := s.Handshake(ctx); err != nil {
			return portal.AuthResult{}, err
		}
	}
	if err := a.pace(ctx); err != nil {
		return portal.AuthResult{}, err
	}
	res, err := s.Authenticate(ctx)
	if err != nil {
		return portal.AuthResult{}, err
	}
	log.Debug("identity classified",
		zap.String("mac", s.Transport().Device().MAC),
		zap.String("status", res.Status.String()),
		zap.String("msg", res.Message))
	return res, nil
}

func (a *Authenticator) pace(ctx context.Context) error {
	if a.Pace == nil {
		return nil
	}
	return a.Pace(ctx)
}
