// Package dedupe collapses candidate URLs that point at the same resource.
package dedupe

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"kptv-failover/work/cache"
	"kptv-failover/work/types"

	"golang.org/x/crypto/blake2b"
)

// cacheBustingKeys are query parameters that only defeat caches and never
// select a different resource.
var cacheBustingKeys = []string{"t", "r", "_", "timestamp", "random", "cache"}

// Normalize returns the canonical form of a candidate URL: cache-busting keys
// removed, http upgraded to https, host lowercased, one trailing slash dropped
// and the remaining query sorted by key. The fragment is discarded.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse %q: not an absolute URL", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""

	q := u.Query()
	for _, k := range cacheBustingKeys {
		q.Del(k)
	}
	// Encode sorts by key
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HashKey returns the store key for a normalized URL.
func HashKey(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// BaseDomain returns the grouping key of a URL's host: the full address for
// IP hosts, otherwise the last two labels.
func BaseDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// Deduplicator normalizes and collapses candidate sets. Normalization results
// are memoized since the same catalog URLs come back on every selection run.
type Deduplicator struct {
	memo *cache.Cache[string, string]
}

// New creates a Deduplicator whose memo holds size entries for ttl.
func New(size int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{memo: cache.New[string, string](size, ttl)}
}

// Normalize is the memoized form of the package-level Normalize.
func (d *Deduplicator) Normalize(raw string) (string, error) {
	if d == nil || d.memo == nil {
		return Normalize(raw)
	}
	if n, ok := d.memo.Get(raw); ok {
		return n, nil
	}
	n, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	d.memo.Set(raw, n)
	return n, nil
}

// Key returns the store key for a raw URL, falling back to hashing the raw
// string when it cannot be normalized.
func (d *Deduplicator) Key(raw string) string {
	n, err := d.Normalize(raw)
	if err != nil {
		return HashKey(raw)
	}
	return HashKey(n)
}

// Deduplicate keeps one candidate per normalized URL: the one with the greater
// explicit priority, the first seen on ties. Output order follows the first
// appearance of each normalized URL.
func (d *Deduplicator) Deduplicate(cands []types.SourceCandidate) []types.SourceCandidate {
	return d.collapse(cands, func(c types.SourceCandidate) string {
		n, err := d.Normalize(c.URL())
		if err != nil {
			return "raw:" + c.URL()
		}
		return n
	})
}

// DeduplicateByDomain keeps only the highest priority candidate per base
// domain.
func (d *Deduplicator) DeduplicateByDomain(cands []types.SourceCandidate) []types.SourceCandidate {
	return d.collapse(cands, func(c types.SourceCandidate) string {
		return BaseDomain(c.URL())
	})
}

func (d *Deduplicator) collapse(cands []types.SourceCandidate, keyOf func(types.SourceCandidate) string) []types.SourceCandidate {
	out := make([]types.SourceCandidate, 0, len(cands))
	index := make(map[string]int, len(cands))

	for _, c := range cands {
		key := keyOf(c)
		if i, seen := index[key]; seen {
			if c.ExplicitPriority() > out[i].ExplicitPriority() {
				out[i] = c
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}

	return out
}
