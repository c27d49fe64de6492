package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/stalkerprobe/internal/config"
	"github.com/snapetech/stalkerprobe/internal/identity"
	"github.com/snapetech/stalkerprobe/internal/portal"
	"github.com/snapetech/stalkerprobe/internal/prober"
)

func TestCollectIdentitiesFromFlag(t *testing.T) {
	cfg := &config.Config{Timezone: "Europe/London"}
	ids, err := collectIdentities(cfg, "00:1a:79:00:00:0a, 001A79-00000B ,", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d identities, want 2", len(ids))
	}
	if ids[0].MAC != "00:1A:79:00:00:0A" || ids[1].MAC != "00:1A:79:00:00:0B" {
		t.Errorf("identities = %v, %v", ids[0].MAC, ids[1].MAC)
	}
	if ids[0].Timezone != "Europe/London" {
		t.Errorf("timezone = %q", ids[0].Timezone)
	}
}

func TestCollectIdentitiesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "macs.txt")
	body := "# fleet\n00:1A:79:00:00:0A\n\n00:1A:79:00:00:0B\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ids, err := collectIdentities(&config.Config{}, "", path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d identities, want 2", len(ids))
	}
}

func TestCollectIdentitiesFallsBackToConfigMAC(t *testing.T) {
	cfg := &config.Config{MAC: "00:1A:79:00:00:0A"}
	ids, err := collectIdentities(cfg, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].MAC != "00:1A:79:00:00:0A" {
		t.Errorf("identities = %+v", ids)
	}
}

func TestCollectIdentitiesRejectsMalformedMAC(t *testing.T) {
	if _, err := collectIdentities(&config.Config{}, "zz:zz:zz:zz:zz:zz", ""); err == nil {
		t.Fatal("want error for malformed MAC")
	}
}

func TestCollectIdentitiesEmpty(t *testing.T) {
	ids, err := collectIdentities(&config.Config{}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("identities = %+v, want none", ids)
	}
}

func TestWriteAuthorizedFiltersByStatus(t *testing.T) {
	devA, _ := identity.New("00:1A:79:00:00:0A", "")
	devB, _ := identity.New("00:1A:79:00:00:0B", "")
	devC, _ := identity.New("00:1A:79:00:00:0C", "")
	outcome := &prober.Outcome{Entries: []prober.Entry{
		{Device: devA, Result: portal.AuthResult{Status: portal.StatusActive}},
		{Device: devB, Result: portal.AuthResult{Status: portal.StatusUnauthorized}},
		{Device: devC, Result: portal.AuthResult{Status: portal.StatusActive}},
	}}

	path := filepath.Join(t.TempDir(), "authorized.txt")
	if err := writeAuthorized(path, outcome); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "00:1A:79:00:00:0A\n00:1A:79:00:00:0C\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}
