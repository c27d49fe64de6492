package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func stepByName(t *testing.T, rep Report, name string) Step {
	t.Helper()
	for _, s := range rep.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("report has no %q step: %+v", name, rep.Steps)
	return Step{}
}

func TestCheckAgainstLiveListener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := &Checker{Timeout: 2 * time.Second, PingCount: 1}
	rep, err := c.Check(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Host != "127.0.0.1" {
		t.Errorf("host = %q", rep.Host)
	}
	if len(rep.Steps) != 3 {
		t.Fatalf("got %d steps, want dns/icmp/tcp", len(rep.Steps))
	}
	if s := stepByName(t, rep, "dns"); !s.OK {
		t.Errorf("dns step failed: %s", s.Detail)
	}
	if s := stepByName(t, rep, "tcp"); !s.OK {
		t.Errorf("tcp step failed: %s", s.Detail)
	}
	// ICMP is environment-dependent (raw sockets, ping group) and advisory.
	if !rep.Reachable() {
		t.Error("host with live listener reported unreachable")
	}
}

func TestCheckClosedPort(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := &Checker{Timeout: 2 * time.Second, PingCount: 1}
	rep, err := c.Check(context.Background(), "http://"+addr)
	if err != nil {
		t.Fatal(err)
	}
	if s := stepByName(t, rep, "tcp"); s.OK {
		t.Error("tcp step passed against a closed port")
	}
	if rep.Reachable() {
		t.Error("closed port reported reachable")
	}
}

func TestCheckInvalidURL(t *testing.T) {
	c := &Checker{}
	if _, err := c.Check(context.Background(), "not a url"); err == nil {
		t.Fatal("want error for invalid URL")
	}
}

func TestReachableIgnoresICMP(t *testing.T) {
	rep := Report{Steps: []Step{
		{Name: "dns", OK: true},
		{Name: "icmp", OK: false},
		{Name: "tcp", OK: true},
	}}
	if !rep.Reachable() {
		t.Error("ICMP failure alone should not mark the host unreachable")
	}

	rep.Steps[2].OK = false
	if rep.Reachable() {
		t.Error("TCP failure must mark the host unreachable")
	}

	if (Report{}).Reachable() {
		t.Error("empty report must not count as reachable")
	}
}
