package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// State is the session lifecycle position. A session only moves forward
// (Unestablished → Handshaken → Authenticated → Expired/Invalid); the sole
// way back is an explicit re-handshake from Expired.
type State string

const (
	StateUnestablished State = "unestablished"
	StateHandshaken    State = "handshaken"
	StateAuthenticated State = "authenticated"
	// StateExpired: the portal stopped accepting the token. Re-handshake.
	StateExpired State = "expired"
	// StateInvalid: the session itself is fine but the identity was refused
	// (status 0 or 2). Terminal for this identity, not a transport failure.
	StateInvalid State = "invalid"
)

// Action describes one authenticated catalog call: the portal "type" and
// "action" query values plus any action-specific parameters.
type Action struct {
	Type   string
	Action string
	Params url.Values
	// Method is GET when empty; some portal builds want POST for writes.
	Method string
}

func (a Action) op() string { return a.Type + "/" + a.Action }

// Session owns the token lifecycle for one device identity on one portal.
// Not safe for concurrent use; the batch prober is strictly sequential and
// interactive flows hold exactly one.
type Session struct {
	tr      *Transport
	apiPath string
	log     *zap.Logger

	state    State
	token    string
	random   string
	issuedAt time.Time
}

// NewSession wraps a Transport with the resolved API path.
func NewSession(tr *Transport, apiPath string, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{tr: tr, apiPath: apiPath, log: log, state: StateUnestablished}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Token returns the current token, "" before a successful handshake.
func (s *Session) Token() string { return s.token }

// Transport exposes the underlying transport (the catalog facade and the
// prober need the device identity and profile, not session internals).
func (s *Session) Transport() *Transport { return s.tr }

// Handshake establishes (or re-establishes) a session token. Valid from
// Unestablished or Expired; on a transport failure the state is unchanged,
// so the caller may always retry.
func (s *Session) Handshake(ctx context.Context) error {
	if s.state != StateUnestablished && s.state != StateExpired {
		return fmt.Errorf("%w: handshake from %s", ErrInvalidSessionState, s.state)
	}
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "handshake")
	// prehash carries the previous token on a re-handshake, empty otherwise.
	params.Set("prehash", s.token)

	env, err := s.tr.Send(ctx, "stb/handshake", "", s.apiPath, params, "")
	if err != nil {
		return err
	}
	var hs HandshakePayload
	if err := json.Unmarshal(env.JS, &hs); err != nil {
		return &TransportError{Kind: KindMalformedResponse, Op: "stb/handshake", Err: err}
	}
	if hs.Token == "" {
		return &TransportError{Kind: KindMalformedResponse, Op: "stb/handshake",
			Err: fmt.Errorf("handshake payload carries no token")}
	}
	s.token = hs.Token
	s.random = hs.Random
	s.issuedAt = time.Now()
	s.state = StateHandshaken
	s.log.Debug("handshake complete",
		zap.String("mac", s.tr.Device().MAC),
		zap.Int("not_valid", hs.NotValid))
	return nil
}

// Authenticate sends get_profile for the transport's device identity and
// classifies the portal's status answer. Valid only from Handshaken.
// status=1 moves the session to Authenticated; 0 or 2 move it to Invalid.
func (s *Session) Authenticate(ctx context.Context) (AuthResult, error) {
	if s.state != StateHandshaken {
		return AuthResult{}, fmt.Errorf("%w: authenticate from %s", ErrInvalidSessionState, s.state)
	}
	dev, prof := s.tr.Device(), s.tr.Profile()
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "get_profile")
	params.Set("hd", "1")
	params.Set("ver", prof.Version)
	params.Set("num_banks", "2")
	params.Set("sn", dev.Serial)
	params.Set("stb_type", prof.STBType)
	params.Set("image_version", prof.ImageVersion)
	params.Set("auth_second_step", "0")
	params.Set("hw_version", prof.HWVersion)
	params.Set("hw_version_2", prof.HWVersion2)
	params.Set("not_valid_token", "0")
	params.Set("metrics", prof.Metrics(dev))
	params.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	params.Set("api_signature", prof.APISignature)
	params.Set("prehash", s.token)

	env, err := s.tr.Send(ctx, "stb/get_profile", "", s.apiPath, params, s.token)
	if err != nil {
		return AuthResult{}, err
	}
	var auth AuthPayload
	if err := json.Unmarshal(env.JS, &auth); err != nil {
		return AuthResult{}, &TransportError{Kind: KindMalformedResponse, Op: "stb/get_profile", Err: err}
	}

	res := AuthResult{
		Status:    ParseAuthStatus(auth.Status),
		Message:   auth.Msg,
		Raw:       env.JS,
		CheckedAt: time.Now(),
		Phone:     auth.Phone,
		Name:      auth.Name,
		Account:   auth.Account,
	}
	if res.Status == StatusActive {
		s.state = StateAuthenticated
	} else {
		s.state = StateInvalid
	}
	if res.Status == StatusUnknown {
		s.log.Warn("portal returned unmapped status code",
			zap.String("mac", dev.MAC),
			zap.Int("raw_status", auth.Status),
			zap.String("msg", auth.Msg))
	}
	return res, nil
}

// Call issues an arbitrary authenticated catalog action and returns the raw
// "js" payload. Valid only from Authenticated. A response that looks like an
// authorization refusal is treated as the token-expiry signal: the session
// moves to Expired and the caller gets ErrTokenExpired; re-handshake and
// re-authenticate before retrying. The portal documents no token TTL, so
// this is a heuristic; deviations are logged, never hard-coded on.
func (s *Session) Call(ctx context.Context, action Action) (json.RawMessage, error) {
	if s.state != StateAuthenticated {
		return nil, fmt.Errorf("%w: call %s from %s", ErrInvalidSessionState, action.op(), s.state)
	}
	params := url.Values{}
	for k, vs := range action.Params {
		params[k] = vs
	}
	params.Set("type", action.Type)
	params.Set("action", action.Action)

	env, err := s.tr.Send(ctx, action.op(), action.Method, s.apiPath, params, s.token)
	if err != nil {
		return nil, err
	}
	if expired, why := looksExpired(env); expired {
		s.state = StateExpired
		s.log.Warn("authenticated call refused; treating as token expiry",
			zap.String("op", action.op()),
			zap.String("signal", why),
			zap.ByteString("payload_head", head(env.JS, 200)))
		return nil, fmt.Errorf("%s: %w", action.op(), ErrTokenExpired)
	}
	return env.JS, nil
}

// looksExpired applies the expiry heuristic: an auth-status-shaped payload
// with status != 1, or an empty payload with an "Authorization failed"-style
// diagnostic text.
func looksExpired(env Envelope) (bool, string) {
	var status struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(env.JS, &status); err == nil && len(status.Status) > 0 {
		if code := flexInt(status.Status, 1); code != 1 {
			return true, fmt.Sprintf("status=%d", code)
		}
	}
	if isEmptyPayload(env.JS) {
		if text := env.TextString(); containsAuthFailure(text) {
			return true, "text=" + text
		}
	}
	return false, ""
}

func isEmptyPayload(js json.RawMessage) bool {
	switch string(js) {
	case "", "null", "false", "0", `""`, "{}", "[]":
		return true
	}
	return false
}

func containsAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"authorization failed", "account not found", "session expired"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
