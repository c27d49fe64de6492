// Package preflight runs cheap reachability checks (DNS, ICMP, TCP) against
// a portal host before any protocol traffic, so an offline host is reported
// as such instead of as a protocol failure.
package preflight

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Step is one check's outcome.
type Step struct {
	Name    string
	OK      bool
	Latency time.Duration
	Detail  string
}

// Report is the full preflight outcome. ICMP failure alone is advisory:
// many hosts filter ping while serving HTTP fine.
type Report struct {
	Host  string
	Steps []Step
}

// Reachable reports whether DNS and TCP both passed.
func (r Report) Reachable() bool {
	for _, s := range r.Steps {
		if !s.OK && s.Name != "icmp" {
			return false
		}
	}
	return len(r.Steps) > 0
}

// Checker runs the preflight sequence.
type Checker struct {
	// Timeout bounds each individual step. Default 5s.
	Timeout time.Duration
	// PingCount is how many ICMP echoes to send. Default 3.
	PingCount int
	Log       *zap.Logger
}

// Check resolves the host from rawURL and runs DNS → ICMP → TCP in order.
func (c *Checker) Check(ctx context.Context, rawURL string) (Report, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Report{}, fmt.Errorf("invalid portal URL %q", rawURL)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}

	rep := Report{Host: host}
	rep.Steps = append(rep.Steps, c.checkDNS(ctx, host, timeout))
	rep.Steps = append(rep.Steps, c.checkICMP(ctx, host, timeout))
	rep.Steps = append(rep.Steps, c.checkTCP(ctx, net.JoinHostPort(host, port), timeout))
	for _, s := range rep.Steps {
		log.Debug("preflight step",
			zap.String("host", host),
			zap.String("step", s.Name),
			zap.Bool("ok", s.OK),
			zap.Duration("latency", s.Latency),
			zap.String("detail", s.Detail))
	}
	return rep, nil
}

func (c *Checker) checkDNS(ctx context.Context, host string, timeout time.Duration) Step {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	step := Step{Name: "dns", Latency: time.Since(start)}
	if err != nil {
		step.Detail = err.Error()
		return step
	}
	step.OK = len(addrs) > 0
	if step.OK {
		step.Detail = addrs[0]
	}
	return step
}

func (c *Checker) checkICMP(ctx context.Context, host string, timeout time.Duration) Step {
	count := c.PingCount
	if count <= 0 {
		count = 3
	}
	start := time.Now()
	step := Step{Name: "icmp"}

	pinger, err := probing.NewPinger(host)
	if err != nil {
		step.Latency = time.Since(start)
		step.Detail = err.Error()
		return step
	}
	pinger.Count = count
	pinger.Timeout = timeout

	// Run in a goroutine so ctx cancellation stops the pinger.
	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()
	select {
	case err := <-done:
		step.Latency = time.Since(start)
		if err != nil {
			step.Detail = err.Error()
			return step
		}
		stats := pinger.Statistics()
		step.OK = stats.PacketsRecv > 0
		if step.OK {
			step.Detail = fmt.Sprintf("avg rtt %s, loss %.0f%%", stats.AvgRtt, stats.PacketLoss)
		} else {
			step.Detail = "all packets lost"
		}
	case <-ctx.Done():
		pinger.Stop()
		step.Latency = time.Since(start)
		step.Detail = "cancelled"
	}
	return step
}

func (c *Checker) checkTCP(ctx context.Context, addr string, timeout time.Duration) Step {
	start := time.Now()
	step := Step{Name: "tcp"}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	step.Latency = time.Since(start)
	if err != nil {
		step.Detail = err.Error()
		return step
	}
	conn.Close()
	step.OK = true
	step.Detail = addr
	return step
}
