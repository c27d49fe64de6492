package portal

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/snapetech/stalkerprobe/internal/identity"
)

const (
	// DefaultTimeout is the per-call HTTP timeout. The protocol layer never
	// tunes this per call; batch backoff is a separate clock.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes        = 4 << 20
	maxIdleConnsPerHost = 4
)

// Transport issues portal HTTP calls with the device-mimicry headers and
// cookies, and classifies failures into the closed TransportError kinds.
// It never retries; retry policy belongs to callers.
type Transport struct {
	baseURL string
	client  *http.Client
	device  identity.Device
	profile identity.Profile
	log     *zap.Logger
}

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// WithHTTPClient substitutes the underlying client (tests).
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// NewTransport builds a Transport for one portal and one device identity.
// The MAC and timezone identity cookies are pinned in a cookie jar so the
// portal sees them on every call, including redirects within the site.
func NewTransport(baseURL string, dev identity.Device, prof identity.Profile, log *zap.Logger, opts ...TransportOption) (*Transport, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal URL %q", baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	// Compression is handled here (gzip/deflate/brotli) so Accept-Encoding
	// can be pinned to what a real STB sends instead of Go's default.
	t := &Transport{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
			Transport: &http.Transport{
				DisableCompression:  true,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		device:  dev,
		profile: prof,
		log:     log,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.client.Jar.SetCookies(base, []*http.Cookie{
		{Name: "mac", Value: url.QueryEscape(dev.MAC), Path: "/"},
		{Name: "stb_lang", Value: "en", Path: "/"},
		{Name: "timezone", Value: url.QueryEscape(dev.Timezone), Path: "/"},
	})
	return t, nil
}

// BaseURL returns the portal base URL without a trailing slash.
func (t *Transport) BaseURL() string { return t.baseURL }

// Device returns the identity this transport mimics.
func (t *Transport) Device() identity.Device { return t.device }

// Profile returns the STB profile this transport mimics.
func (t *Transport) Profile() identity.Profile { return t.profile }

// Send issues one portal call and decodes the response envelope.
// op names the call for error messages and logs (e.g. "stb/handshake").
// The JsHttpRequest=1-xml marker is added to every request; token is added
// as a query parameter and Bearer header when non-empty.
func (t *Transport) Send(ctx context.Context, op, method, path string, params url.Values, token string) (Envelope, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("JsHttpRequest", "1-xml")
	if token != "" {
		q.Set("token", token)
	}

	reqURL := t.baseURL + "/" + strings.TrimPrefix(path, "/")
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = strings.NewReader(q.Encode())
	} else {
		reqURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return Envelope{}, &TransportError{Kind: KindConnectionFailed, Op: op, Err: err}
	}
	req.Header.Set("User-Agent", t.profile.UserAgent)
	req.Header.Set("X-User-Agent", "Model: "+t.profile.STBType+"; Link: Ethernet")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Referer", t.baseURL+"/c/")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Envelope{}, t.classifyDialError(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Envelope{}, &TransportError{
			Kind:       KindRateLimited,
			Op:         op,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Envelope{}, &TransportError{Kind: KindServerError, Op: op, Status: resp.StatusCode}
	}

	body, err := readBody(resp)
	if err != nil {
		return Envelope{}, &TransportError{Kind: KindMalformedResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.log.Debug("unparseable portal response",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body_head", head(body, 200)))
		return Envelope{}, &TransportError{Kind: KindMalformedResponse, Op: op, Status: resp.StatusCode, Err: err}
	}
	return env, nil
}

func (t *Transport) classifyDialError(op string, err error) *TransportError {
	kind := KindConnectionFailed
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// readBody drains the response, undoing the Content-Encoding the server chose.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxBodyBytes)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		r = fl
	case "br":
		r = brotli.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", resp.Header.Get("Content-Encoding"))
	}
	return io.ReadAll(r)
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date). Returns 0 when
// absent or unparseable; capping is the caller's backoff policy, not ours.
func parseRetryAfter(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 0
	}
	if until := time.Until(t); until > 0 {
		return until
	}
	return 0
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
