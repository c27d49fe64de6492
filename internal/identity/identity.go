// Package identity models the device identity a Stalker portal authorizes:
// the MAC address, the serial derived from it, and the STB hardware/firmware
// strings the portal expects to see on get_profile.
package identity

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedMAC is returned when an input cannot be reduced to 6 hex octets.
var ErrMalformedMAC = errors.New("malformed MAC address")

// Device is one set-top-box identity to test against a portal.
// Construct with New; the zero value is not valid.
type Device struct {
	// MAC in canonical form: colon-separated uppercase hex, 6 octets.
	MAC string
	// Serial is the MAC with separators stripped (the portal's "sn" field).
	Serial string
	// Timezone sent in the identity cookies, e.g. "America/New_York".
	Timezone string
}

// New validates and normalizes a MAC address into a Device.
// Accepted separators are ":", "-", or none; hex case is ignored.
// Anything not reducible to exactly 6 hex octets fails with ErrMalformedMAC
// before any network call is made.
func New(mac, timezone string) (Device, error) {
	canonical, err := NormalizeMAC(mac)
	if err != nil {
		return Device{}, err
	}
	if timezone == "" {
		timezone = "America/New_York"
	}
	return Device{
		MAC:      canonical,
		Serial:   strings.ReplaceAll(canonical, ":", ""),
		Timezone: timezone,
	}, nil
}

// NormalizeMAC returns the canonical colon-separated uppercase form of mac.
func NormalizeMAC(mac string) (string, error) {
	clean := strings.ToUpper(strings.TrimSpace(mac))
	clean = strings.ReplaceAll(clean, ":", "")
	clean = strings.ReplaceAll(clean, "-", "")
	clean = strings.ReplaceAll(clean, ".", "")
	if len(clean) != 12 {
		return "", fmt.Errorf("%w: %q is not 6 octets", ErrMalformedMAC, mac)
	}
	for _, r := range clean {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("%w: %q contains non-hex %q", ErrMalformedMAC, mac, r)
		}
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, clean[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// Profile carries the STB model/firmware strings the portal checks during
// get_profile. Defaults mimic a MAG250 running image 218, the most widely
// accepted device class.
type Profile struct {
	UserAgent    string
	STBType      string
	ImageVersion string
	HWVersion    string
	HWVersion2   string
	Version      string
	APISignature string
}

// DefaultProfile returns the MAG250 mimicry profile.
func DefaultProfile() Profile {
	return Profile{
		UserAgent:    "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3",
		STBType:      "MAG250",
		ImageVersion: "218",
		HWVersion:    "1.7-BD-00",
		HWVersion2:   "a38a7c2b19ca1467a5e9fd29594d1877",
		Version:      "ImageDescription: 0.2.18-r24-pub-250; ImageDate: Fri Dec 28 18:45:22 EET 2018; PORTAL version: 5.6.0; API Version: JS API version: 343; STB API version: 146; Player Engine version: 0x582",
		APISignature: "FF",
	}
}

// Metrics returns the JSON blob the portal expects in the "metrics"
// get_profile parameter for the given device.
func (p Profile) Metrics(d Device) string {
	b, _ := json.Marshal(map[string]string{"mac": d.MAC})
	return string(b)
}

// LoadMACList reads one MAC per line from path, skipping blank lines and
// "#" comments, and validates every entry before returning. A single bad
// line fails the whole load so a batch never starts with a partial list.
func LoadMACList(path, timezone string) ([]Device, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Device
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := New(line, timezone)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
