package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GovernorConfig sizes the admission limits.
type GovernorConfig struct {
	// GlobalLimit bounds in-flight fetches and renders across all domains.
	GlobalLimit int
	// PerDomainLimit bounds concurrent requests to a single origin.
	PerDomainLimit int
	// PerDomainDelay is the minimum spacing between consecutive requests to
	// the same origin, measured from the previous request's completion.
	PerDomainDelay time.Duration
}

// Governor grants admission tickets under a process-wide cap, a per-domain
// cap and a per-domain politeness delay. Domain state is created lazily and
// retained for the process lifetime; the map grows with domain cardinality,
// which is slow enough to be acceptable.
type Governor struct {
	cfg    GovernorConfig
	global chan struct{}

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	slots chan struct{}

	mu            sync.Mutex
	lastRequestAt time.Time
}

// NewGovernor builds a governor with the configured limits.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 8
	}
	if cfg.PerDomainLimit <= 0 {
		cfg.PerDomainLimit = 2
	}
	return &Governor{
		cfg:     cfg,
		global:  make(chan struct{}, cfg.GlobalLimit),
		domains: make(map[string]*domainState),
	}
}

// Ticket represents one admitted request. Release is safe to call more than
// once; only the first call frees capacity.
type Ticket struct {
	once sync.Once
	g    *Governor
	ds   *domainState
}

// Release frees both capacities and stamps the domain's last-request time.
// The stamp happens at release, not acquire, so the politeness delay
// reflects actual request completion cadence.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.ds.mu.Lock()
		t.ds.lastRequestAt = time.Now()
		t.ds.mu.Unlock()
		<-t.ds.slots
		<-t.g.global
	})
}

// Acquire blocks until both the global and the domain capacity admit the
// request, then waits out the remainder of the domain's politeness interval.
// It fails only on context cancellation.
func (g *Governor) Acquire(ctx context.Context, domain string) (*Ticket, error) {
	ds := g.domainState(domain)

	select {
	case ds.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire domain slot: %w", ctx.Err())
	}

	select {
	case g.global <- struct{}{}:
	case <-ctx.Done():
		<-ds.slots
		return nil, fmt.Errorf("acquire global slot: %w", ctx.Err())
	}

	if err := g.politeWait(ctx, ds); err != nil {
		<-g.global
		<-ds.slots
		return nil, err
	}

	return &Ticket{g: g, ds: ds}, nil
}

func (g *Governor) politeWait(ctx context.Context, ds *domainState) error {
	if g.cfg.PerDomainDelay <= 0 {
		return nil
	}
	ds.mu.Lock()
	last := ds.lastRequestAt
	ds.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	wait := g.cfg.PerDomainDelay - time.Since(last)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (g *Governor) domainState(domain string) *domainState {
	key := strings.ToLower(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	ds, ok := g.domains[key]
	if !ok {
		ds = &domainState{slots: make(chan struct{}, g.cfg.PerDomainLimit)}
		g.domains[key] = ds
	}
	return ds
}
