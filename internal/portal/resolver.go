package portal

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultCandidatePaths is the priority-ordered list of API paths probed on
// an unknown portal. Order matters: hosted portals usually live under
// stalker_portal/, standalone ones under server/load.php or portal.php.
var DefaultCandidatePaths = []string{
	"stalker_portal/server/load.php",
	"server/load.php",
	"portal.php",
}

// CandidateReport records the outcome of probing one candidate path.
type CandidateReport struct {
	Path    string
	OK      bool
	Latency time.Duration
	Err     error
}

// Resolver discovers the correct API base path on a portal host by probing
// candidate paths with an unauthenticated handshake until one answers with
// a well-formed {"js": ...} envelope.
type Resolver struct {
	// Candidates overrides DefaultCandidatePaths when non-empty.
	Candidates []string
	// PerCandidateTimeout bounds each individual probe. Default 5s.
	PerCandidateTimeout time.Duration
	Log                 *zap.Logger
}

// Resolve returns the first candidate path that produces a handshake-
// compatible envelope, never re-trying a candidate that already failed.
// Every candidate exhausted fails with ErrEndpointNotFound.
func (r *Resolver) Resolve(ctx context.Context, tr *Transport) (string, error) {
	path, _, err := r.probe(ctx, tr, true)
	return path, err
}

// Report probes every candidate (no early stop) and returns the per-path
// outcomes plus the path Resolve would select, or "" when none work.
func (r *Resolver) Report(ctx context.Context, tr *Transport) (string, []CandidateReport) {
	path, reports, _ := r.probe(ctx, tr, false)
	return path, reports
}

func (r *Resolver) probe(ctx context.Context, tr *Transport, stopAtFirst bool) (string, []CandidateReport, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := r.PerCandidateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	candidates := r.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidatePaths
	}

	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "handshake")
	params.Set("prehash", "")

	resolved := ""
	reports := make([]CandidateReport, 0, len(candidates))
	for _, path := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		_, err := tr.Send(probeCtx, "resolve", "", path, params, "")
		cancel()

		rep := CandidateReport{Path: path, OK: err == nil, Latency: time.Since(start), Err: err}
		reports = append(reports, rep)
		if err != nil {
			log.Debug("endpoint candidate rejected", zap.String("path", path), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Info("portal endpoint resolved", zap.String("path", path), zap.Duration("latency", rep.Latency))
		if resolved == "" {
			resolved = path
		}
		if stopAtFirst {
			return resolved, reports, nil
		}
	}
	if resolved == "" {
		if err := ctx.Err(); err != nil {
			return "", reports, err
		}
		return "", reports, fmt.Errorf("%w: tried %d candidate path(s) on %s", ErrEndpointNotFound, len(reports), tr.BaseURL())
	}
	return resolved, reports, nil
}
