// Package portal implements the Stalker middleware session protocol:
// endpoint resolution, the device-mimicry HTTP transport, and the session
// state machine (handshake, authenticate, authenticated calls).
package portal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Envelope is the wrapper on every portal response: {"js": <payload>, "text": ...}.
// The "js" member is the sole payload; "text" may be absent, a string, or
// any other JSON value and is kept raw for diagnostics only.
type Envelope struct {
	JS   json.RawMessage `json:"js"`
	Text json.RawMessage `json:"text"`
}

// DecodeEnvelope parses body into an Envelope. It fails when the body is not
// JSON or the "js" member is missing entirely; an explicit null payload is
// kept (some portals answer {"js": null} on empty results).
func DecodeEnvelope(body []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&probe); err != nil {
		return Envelope{}, err
	}
	js, ok := probe["js"]
	if !ok {
		return Envelope{}, errMissingJS
	}
	return Envelope{JS: js, Text: probe["text"]}, nil
}

var errMissingJS = &jsonShapeError{`response has no "js" member`}

type jsonShapeError struct{ msg string }

func (e *jsonShapeError) Error() string { return e.msg }

// TextString returns the envelope's "text" member when it is a JSON string,
// else its raw form. Diagnostic use only.
func (e Envelope) TextString() string {
	if len(e.Text) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Text, &s); err == nil {
		return s
	}
	return string(e.Text)
}

// HandshakePayload is the "js" payload of type=stb&action=handshake.
type HandshakePayload struct {
	Token    string
	Random   string
	NotValid int
}

func (h *HandshakePayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Token    json.RawMessage `json:"token"`
		Random   json.RawMessage `json:"random"`
		NotValid json.RawMessage `json:"not_valid"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Token = flexString(raw.Token)
	h.Random = flexString(raw.Random)
	h.NotValid = flexInt(raw.NotValid, 0)
	return nil
}

// AuthStatus is the provider-reported authorization state of a device.
type AuthStatus int

const (
	StatusInactive     AuthStatus = 0
	StatusActive       AuthStatus = 1
	StatusUnauthorized AuthStatus = 2
	// StatusUnknown covers unmapped provider codes and terminal transport
	// failures during a batch run.
	StatusUnknown AuthStatus = -1
)

func (s AuthStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseAuthStatus maps a raw provider status code onto the closed set.
func ParseAuthStatus(code int) AuthStatus {
	switch code {
	case 0, 1, 2:
		return AuthStatus(code)
	default:
		return StatusUnknown
	}
}

// AuthPayload is the "js" payload of type=stb&action=get_profile.
// Status and account fields arrive as numbers or strings depending on the
// portal build, so decoding coerces both.
type AuthPayload struct {
	Status  int
	Msg     string
	Phone   string
	Name    string
	Account string
}

func (a *AuthPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status  json.RawMessage `json:"status"`
		Msg     json.RawMessage `json:"msg"`
		Phone   json.RawMessage `json:"phone"`
		FIO     json.RawMessage `json:"fio"`
		Account json.RawMessage `json:"account"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Status = flexInt(raw.Status, -1)
	a.Msg = flexString(raw.Msg)
	a.Phone = flexString(raw.Phone)
	a.Name = flexString(raw.FIO)
	a.Account = flexString(raw.Account)
	return nil
}

// AuthResult is the classified outcome of authenticating one device identity.
// Immutable once produced.
type AuthResult struct {
	Status    AuthStatus
	Message   string
	Raw       json.RawMessage
	CheckedAt time.Time
	Phone     string
	Name      string
	Account   string
}

// Authorized reports whether the identity is active and authorized.
func (r AuthResult) Authorized() bool { return r.Status == StatusActive }

// flexString decodes a raw JSON value that may be a string or a number.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// flexInt decodes a raw JSON value that may be a number or a numeric string.
func flexInt(raw json.RawMessage, fallback int) int {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return fallback
}
