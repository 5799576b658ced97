package connectivity

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Default probe settings.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultProbeAddr     = "1.1.1.1:443"
)

// Probe produces a raw reachability signal by periodically dialing a known
// address. It is the default connectivity source for the daemon; tests feed
// the monitor a hand-rolled channel instead.
type Probe struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, addr string) error
}

// ProbeOpts holds parameters for creating a Probe.
type ProbeOpts struct {
	Addr     string        // defaults to DefaultProbeAddr
	Interval time.Duration // defaults to DefaultProbeInterval
	Timeout  time.Duration // defaults to DefaultProbeTimeout
	// Dial overrides the TCP dial for testing.
	Dial func(ctx context.Context, addr string) error
}

// NewProbe creates a Probe.
func NewProbe(opts ProbeOpts) *Probe {
	p := &Probe{
		addr:     opts.Addr,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		dial:     opts.Dial,
	}
	if p.addr == "" {
		p.addr = DefaultProbeAddr
	}
	if p.interval <= 0 {
		p.interval = DefaultProbeInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultProbeTimeout
	}
	if p.dial == nil {
		p.dial = tcpDial
	}
	return p
}

// Run probes immediately and then on the configured interval, emitting one
// raw up/down sample per probe. The channel closes when ctx is cancelled.
func (p *Probe) Run(ctx context.Context) <-chan bool {
	ch := make(chan bool, 4)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		sample := func() bool {
			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return p.dial(probeCtx, p.addr) == nil
		}

		for {
			select {
			case ch <- sample():
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

func tcpDial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connectivity: probe %s: %w", addr, err)
	}
	conn.Close()
	return nil
}
