package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// GlobalConfig bounds total concurrency across every domain.
type GlobalConfig struct {
	MaxConcurrentSessions int
}

// PerDomainConfig bounds per-drone-per-domain traffic.
type PerDomainConfig struct {
	ConcurrencyPerDrone int
	QpsPerDrone         int
	BurstLimit          int
	CooldownSeconds      int
}

// Lease is returned by a successful tryAcquire. Release is idempotent.
type Lease struct {
	l         *Limiter
	domain    string
	droneID   string
	once      sync.Once
}

// Release decrements both concurrencies and touches timestamps. Safe to
// call more than once; only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.l.release(l.domain, l.droneID)
	})
}

type domainState struct {
	mu              sync.Mutex
	globalConc      int
	perDrone        map[string]*droneState
	cooldownUntil   time.Time
	lastTouched     time.Time
}

type droneState struct {
	concurrency    int
	recentRequests []time.Time
	burstWindow    []time.Time
}

// Limiter enforces global concurrency plus per-drone concurrency/QPS/burst
// limits per registrable domain, non-blocking (tryAcquire never waits).
type Limiter struct {
	global PerDomainLimits
	global2 GlobalConfig

	mu     sync.Mutex // guards the domains map itself (add/remove)
	states map[string]*domainState

	globalConc int64 // total concurrency across all domains

	domainSessionsActive *prometheus.GaugeVec
	ttl                  time.Duration
}

// PerDomainLimits bundles the per-domain knobs, named distinctly from the
// PerDomainConfig so callers can pass overrides per call if ever needed.
type PerDomainLimits = PerDomainConfig

// NewLimiter creates a Limiter. reg may be nil to skip metrics registration
// (used by tests that want an isolated registry).
func NewLimiter(global GlobalConfig, perDomain PerDomainConfig, domainStateTTL time.Duration, reg prometheus.Registerer) *Limiter {
	lim := &Limiter{
		global:  perDomain,
		global2: global,
		states:  make(map[string]*domainState),
		ttl:     domainStateTTL,
		domainSessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "domain_sessions_active",
			Help: "Active sessions per registrable domain.",
		}, []string{"domain"}),
	}
	if reg != nil {
		reg.MustRegister(lim.domainSessionsActive)
	}
	return lim
}

func (l *Limiter) stateFor(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.states[domain]
	if !ok {
		ds = &domainState{perDrone: make(map[string]*droneState)}
		l.states[domain] = ds
	}
	return ds
}

// TryAcquire attempts a non-blocking acquisition for droneID against
// domain. domain is expected to already be registrable; it is lower-cased
// here as the only normalisation performed.
func (l *Limiter) TryAcquire(droneID, rawDomain string) (*Lease, string) {
	domain := strings.ToLower(rawDomain)
	ds := l.stateFor(domain)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now()

	ds2, ok := ds.perDrone[droneID]
	if !ok {
		ds2 = &droneState{}
		ds.perDrone[droneID] = ds2
	}

	cutoff := now.Add(-time.Second)
	ds2.recentRequests = trimOlder(ds2.recentRequests, cutoff)

	if now.Before(ds.cooldownUntil) {
		return nil, "cooldown"
	}

	if l.global2.MaxConcurrentSessions > 0 && atomic.LoadInt64(&l.globalConc) >= int64(l.global2.MaxConcurrentSessions) {
		return nil, "global_concurrency"
	}
	if l.global.ConcurrencyPerDrone > 0 && ds2.concurrency >= l.global.ConcurrencyPerDrone {
		return nil, "drone_concurrency"
	}
	if l.global.QpsPerDrone > 0 && len(ds2.recentRequests) >= l.global.QpsPerDrone {
		return nil, "qps"
	}

	ds2.recentRequests = append(ds2.recentRequests, now)

	if l.global.BurstLimit > 0 {
		windowCutoff := now.Add(-time.Duration(l.global.CooldownSeconds) * time.Second)
		ds2.burstWindow = trimOlder(ds2.burstWindow, windowCutoff)
		ds2.burstWindow = append(ds2.burstWindow, now)
		if len(ds2.burstWindow) >= l.global.BurstLimit {
			ds.cooldownUntil = now.Add(time.Duration(l.global.CooldownSeconds) * time.Second)
			ds2.burstWindow = nil
		}
	}

	ds2.concurrency++
	ds.globalConc++
	atomic.AddInt64(&l.globalConc, 1)
	ds.lastTouched = now

	l.domainSessionsActive.WithLabelValues(domain).Inc()

	return &Lease{l: l, domain: domain, droneID: droneID}, ""
}

func (l *Limiter) release(domain, droneID string) {
	l.mu.Lock()
	ds, ok := l.states[domain]
	l.mu.Unlock()
	if !ok {
		return
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds2, ok := ds.perDrone[droneID]; ok && ds2.concurrency > 0 {
		ds2.concurrency--
	}
	if ds.globalConc > 0 {
		ds.globalConc--
		atomic.AddInt64(&l.globalConc, -1)
	}
	ds.lastTouched = time.Now()

	l.domainSessionsActive.WithLabelValues(domain).Dec()
}

func trimOlder(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Sweep removes domain states with zero concurrency whose lastTouched is
// older than the configured TTL. Intended to run periodically (at least
// every min(ttl/4, 60s), per the scheduling contract of the caller).
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.ttl)
	removed := 0
	for domain, ds := range l.states {
		ds.mu.Lock()
		idle := ds.globalConc == 0 && ds.lastTouched.Before(cutoff)
		ds.mu.Unlock()
		if idle {
			delete(l.states, domain)
			removed++
		}
	}
	return removed
}

// StartSweep schedules the idle domain-state sweep on a cron scheduler
// using an "@every <interval>" entry, stopping once ctx is cancelled.
// Returns nil if interval is non-positive.
func (l *Limiter) StartSweep(ctx context.Context, interval time.Duration) *cron.Cron {
	if interval <= 0 {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, func() {
		if n := l.Sweep(); n > 0 {
			log.Debug().Int("removed", n).Msg("domain: swept idle domain states")
		}
	}); err != nil {
		log.Error().Err(err).Str("spec", spec).Msg("domain: failed to schedule sweep")
		return nil
	}
	c.Start()
	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()
	return c
}
