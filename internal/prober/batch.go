package prober

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snapetech/stalkerprobe/internal/identity"
	"github.com/snapetech/stalkerprobe/internal/metrics"
	"github.com/snapetech/stalkerprobe/internal/portal"
)

// Policy is the pacing discipline for a batch run. Tokens are scoped
// per-device on this protocol, so each identity costs two network-issuing
// steps (handshake + authenticate); MinDelay applies between every such step
// across the whole job, not just between identities.
type Policy struct {
	// MinDelay is the minimum gap between network-issuing steps. Default 1s.
	MinDelay time.Duration
	// BackoffBase seeds the exponential backoff after a 429. Default 1s.
	BackoffBase time.Duration
	// BackoffCap bounds any single backoff wait. Default 30s.
	BackoffCap time.Duration
	// MaxRetries is how many times one identity is retried after consecutive
	// rate limits before it is recorded as unknown and the job moves on.
	// Default 5.
	MaxRetries int
}

func (p *Policy) setDefaults() {
	if p.MinDelay <= 0 {
		p.MinDelay = time.Second
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 30 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
}

// Entry is one probed identity with its classified result, in input order.
type Entry struct {
	Position int
	Device   identity.Device
	Result   portal.AuthResult
}

// Outcome aggregates a batch run. Entries preserves input order including
// duplicate MACs; ByMAC keys by canonical MAC, so a duplicate overwrites.
type Outcome struct {
	Entries []Entry
	ByMAC   map[string]portal.AuthResult
}

// Summary counts results by classified status.
type Summary struct {
	Total        int
	Active       int
	Unauthorized int
	Inactive     int
	Unknown      int
}

// Summary tallies the outcome by status.
func (o *Outcome) Summary() Summary {
	s := Summary{Total: len(o.Entries)}
	for _, e := range o.Entries {
		switch e.Result.Status {
		case portal.StatusActive:
			s.Active++
		case portal.StatusUnauthorized:
			s.Unauthorized++
		case portal.StatusInactive:
			s.Inactive++
		default:
			s.Unknown++
		}
	}
	return s
}

// Prober runs the authenticator across many identities, strictly
// sequentially: parallel probes against one host would defeat the rate-limit
// discipline. The only shared state across identities is the job-wide rate
// clock and the result accumulator, both owned by Run's single control flow.
type Prober struct {
	// NewSession must return a fresh session for the identity; the handshake
	// is re-issued per identity because tokens are scoped per device.
	NewSession func(dev identity.Device) (*portal.Session, error)
	Policy     Policy
	// OnResult, when set, is called after each identity completes. Callers
	// use it for live progress output.
	OnResult func(e Entry)
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run probes every identity in order and returns one entry per input.
// Cancellation is honoured between identities (never mid-identity, which
// would leave a session ambiguously handshaken): on cancel the partial
// outcome is returned together with the context error. Transport failures
// other than rate limiting are recorded as unknown for that identity and the
// run continues; one host hiccup must not abort the batch.
func (p *Prober) Run(ctx context.Context, identities []identity.Device) (*Outcome, error) {
	policy := p.Policy
	policy.setDefaults()
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	limiter := rate.NewLimiter(rate.Every(policy.MinDelay), 1)
	auth := &Authenticator{Pace: limiter.Wait, Log: log}

	out := &Outcome{
		Entries: make([]Entry, 0, len(identities)),
		ByMAC:   make(map[string]portal.AuthResult, len(identities)),
	}
	log.Info("batch run starting",
		zap.Int("identities", len(identities)),
		zap.Duration("min_delay", policy.MinDelay),
		zap.Duration("backoff_base", policy.BackoffBase),
		zap.Duration("backoff_cap", policy.BackoffCap),
		zap.Int("max_retries", policy.MaxRetries))

	for i, dev := range identities {
		if err := ctx.Err(); err != nil {
			log.Info("batch cancelled; returning partial results",
				zap.Int("probed", len(out.Entries)), zap.Int("total", len(identities)))
			return out, err
		}

		start := time.Now()
		res, err := p.probeOne(ctx, auth, dev, policy, sleep, log)
		if err != nil {
			// Only context cancellation escapes probeOne.
			return out, err
		}
		p.Metrics.ObserveProbe(res.Status.String(), time.Since(start))

		e := Entry{Position: i, Device: dev, Result: res}
		out.Entries = append(out.Entries, e)
		out.ByMAC[dev.MAC] = res
		if p.OnResult != nil {
			p.OnResult(e)
		}
	}
	return out, nil
}

// probeOne authenticates a single identity with a fresh session per attempt,
// backing off exponentially on consecutive rate limits. Every outcome except
// context cancellation is absorbed into an AuthResult.
func (p *Prober) probeOne(ctx context.Context, auth *Authenticator, dev identity.Device, policy Policy, sleep func(context.Context, time.Duration) error, log *zap.Logger) (portal.AuthResult, error) {
	consecutive := 0
	for {
		sess, err := p.NewSession(dev)
		if err != nil {
			return unknownResult("session setup failed: " + err.Error()), nil
		}
		res, err := auth.Run(ctx, sess)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return portal.AuthResult{}, ctxErr
		}

		var te *portal.TransportError
		if errors.As(err, &te) && te.Kind == portal.KindRateLimited {
			if consecutive >= policy.MaxRetries {
				log.Warn("rate-limit retries exhausted; moving on",
					zap.String("mac", dev.MAC), zap.Int("attempts", consecutive+1))
				return unknownResult("rate-limited, retries exhausted"), nil
			}
			wait := backoffDelay(policy, consecutive)
			if ra := te.RetryAfter; ra > 0 {
				if ra > policy.BackoffCap {
					ra = policy.BackoffCap
				}
				if ra > wait {
					wait = ra
				}
			}
			consecutive++
			p.Metrics.ObserveRateLimit(wait)
			log.Info("rate limited; backing off",
				zap.String("mac", dev.MAC),
				zap.Duration("wait", wait),
				zap.Int("attempt", consecutive))
			if err := sleep(ctx, wait); err != nil {
				return portal.AuthResult{}, err
			}
			continue
		}

		log.Warn("probe failed; recording unknown",
			zap.String("mac", dev.MAC), zap.Error(err))
		return unknownResult(err.Error()), nil
	}
}

// backoffDelay returns base × 2^consecutive, capped.
func backoffDelay(policy Policy, consecutive int) time.Duration {
	d := policy.BackoffBase
	for i := 0; i < consecutive; i++ {
		d *= 2
		if d >= policy.BackoffCap {
			return policy.BackoffCap
		}
	}
	if d > policy.BackoffCap {
		return policy.BackoffCap
	}
	return d
}

func unknownResult(msg string) portal.AuthResult {
	return portal.AuthResult{Status: portal.StatusUnknown, Message: msg, CheckedAt: time.Now()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
