package sourceverify

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Redis keys the reputation pipeline maintains.
const (
	redisTrustedKey    = "hlekkr:reputation:trusted"
	redisSuspiciousKey = "hlekkr:reputation:suspicious"
)

// ReputationLists are the trusted and suspicious domain sets. Trusted
// domains carry their editorial categories.
type ReputationLists struct {
	Trusted    map[string][]string
	Suspicious map[string]bool
}

// ListSource supplies reputation lists.
type ListSource interface {
	Load(ctx context.Context) (ReputationLists, error)
}

// StaticLists serves fixed lists, typically from deployment config.
type StaticLists struct {
	lists ReputationLists
}

// NewStaticLists builds a fixed list source. Domains are lowercased.
func NewStaticLists(trusted map[string][]string, suspicious []string) *StaticLists {
	lists := ReputationLists{
		Trusted:    make(map[string][]string, len(trusted)),
		Suspicious: make(map[string]bool, len(suspicious)),
	}
	for d, cats := range trusted {
		lists.Trusted[strings.ToLower(d)] = cats
	}
	for _, d := range suspicious {
		lists.Suspicious[strings.ToLower(d)] = true
	}
	return &StaticLists{lists: lists}
}

func (s *StaticLists) Load(context.Context) (ReputationLists, error) {
	return s.lists, nil
}

// RedisLists reads the reputation hashes: trusted maps domain to
// comma-joined categories, suspicious maps domain to any value.
type RedisLists struct {
	client redis.UniversalClient
}

// NewRedisLists wires a list source over a Redis client.
func NewRedisLists(client redis.UniversalClient) *RedisLists {
	return &RedisLists{client: client}
}

func (r *RedisLists) Load(ctx context.Context) (ReputationLists, error) {
	trusted, err := r.client.HGetAll(ctx, redisTrustedKey).Result()
	if err != nil {
		return ReputationLists{}, fault.Wrap(fault.CodeStoreError, err, "loading trusted domain list")
	}
	suspicious, err := r.client.HGetAll(ctx, redisSuspiciousKey).Result()
	if err != nil {
		return ReputationLists{}, fault.Wrap(fault.CodeStoreError, err, "loading suspicious domain list")
	}

	lists := ReputationLists{
		Trusted:    make(map[string][]string, len(trusted)),
		Suspicious: make(map[string]bool, len(suspicious)),
	}
	for domain, cats := range trusted {
		var categories []string
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				categories = append(categories, c)
			}
		}
		lists.Trusted[strings.ToLower(domain)] = categories
	}
	for domain := range suspicious {
		lists.Suspicious[strings.ToLower(domain)] = true
	}
	return lists, nil
}

// CachedLists serves a read-mostly snapshot of another source. Refresh
// failures keep the last good snapshot.
type CachedLists struct {
	source ListSource

	mu       sync.RWMutex
	snapshot ReputationLists
	loaded   bool
}

// NewCachedLists wraps a source in a process cache.
func NewCachedLists(source ListSource) *CachedLists {
	return &CachedLists{source: source}
}

// Refresh reloads the snapshot from the underlying source.
func (c *CachedLists) Refresh(ctx context.Context) error {
	lists, err := c.source.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = lists
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *CachedLists) Load(ctx context.Context) (ReputationLists, error) {
	c.mu.RLock()
	if c.loaded {
		defer c.mu.RUnlock()
		return c.snapshot, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		return ReputationLists{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}

// StartRefresher reloads the snapshot on a timer until ctx is done.
func (c *CachedLists) StartRefresher(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.Refresh(ctx)
			}
		}
	}()
}

// matchDomain walks a domain up through its parents, so a listed
// "example.com" covers "media.example.com". The bare TLD never matches.
func matchDomain(domain string, listed func(string) bool) (string, bool) {
	for d := domain; strings.Contains(d, "."); {
		if listed(d) {
			return d, true
		}
		d = d[strings.IndexByte(d, '.')+1:]
	}
	return "", false
}

// checkDomainReputation scores the claimed domain. List hits pin the score;
// unlisted domains start neutral and shift with age and certificate facts.
func (v *Verifier) checkDomainReputation(ctx context.Context, domain string) *DomainReputation {
	lists, err := v.lists.Load(ctx)
	if err != nil {
		v.logger.Warn("reputation lists unavailable", "domain", domain, "error", err)
		return nil
	}

	rep := &DomainReputation{Domain: domain, Score: 50}
	if hit, ok := matchDomain(domain, func(d string) bool { _, ok := lists.Trusted[d]; return ok }); ok {
		rep.Listed = "trusted"
		rep.Categories = lists.Trusted[hit]
		rep.Score = 90
		return rep
	}
	if _, ok := matchDomain(domain, func(d string) bool { return lists.Suspicious[d] }); ok {
		rep.Listed = "suspicious"
		rep.Score = 10
		return rep
	}

	if v.intel != nil {
		facts, err := v.intel.Lookup(ctx, domain)
		if err != nil {
			v.logger.Warn("domain intel lookup failed", "domain", domain, "error", err)
		} else {
			rep.AgeDays = facts.AgeDays
			rep.SSLValid = facts.SSLValid
			switch {
			case facts.AgeDays > 0 && facts.AgeDays < 30:
				rep.Score -= 10
			case facts.AgeDays > 0 && facts.AgeDays < 365:
				rep.Score -= 5
			}
			if facts.SSLValid != nil {
				if *facts.SSLValid {
					rep.Score += 5
				} else {
					rep.Score -= 10
				}
			}
		}
	}

	if rep.Score < 0 {
		rep.Score = 0
	}
	if rep.Score > 100 {
		rep.Score = 100
	}
	return rep
}

// TLSProbe is a DomainIntel that verifies certificate validity with a live
// handshake. Domain age stays unknown.
type TLSProbe struct {
	Timeout time.Duration
}

func (p TLSProbe) Lookup(ctx context.Context, domain string) (DomainFacts, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, "443"))
	valid := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	return DomainFacts{SSLValid: &valid}, nil
}
