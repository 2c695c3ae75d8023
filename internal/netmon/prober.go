package netmon

import (
	"context"
	"time"
)

// HealthChecker reports whether the backend answers.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Prober derives reachability from periodic health checks. It stands in for
// a platform Signal when none is available (headless daemon).
type Prober struct {
	Checker  HealthChecker
	Monitor  *Monitor
	Interval time.Duration
	Timeout  time.Duration
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	iv := p.Interval
	if iv <= 0 {
		iv = 15 * time.Second
	}
	t := time.NewTicker(iv)
	defer t.Stop()

	for {
		p.probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	to := p.Timeout
	if to <= 0 {
		to = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()
	err := p.Checker.Health(cctx)
	if ctx.Err() != nil {
		return
	}
	p.Monitor.SetReachable(err == nil)
}
