package enforce

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Anonymizer redacts personally identifying fields in the response tree.
// Fields named name/phone/address/ssn become "[REDACTED]"; e-mail local
// parts become "****" with the domain preserved. The transform is
// idempotent: re-anonymizing an anonymized payload is a no-op.
type Anonymizer struct{}

var redactedFields = map[string]bool{
	"name":    true,
	"phone":   true,
	"address": true,
	"ssn":     true,
}

var emailRE = regexp.MustCompile(`\b[\w.+-]+@([\w-]+\.[\w.-]+)\b`)

// Name implements ConstraintProcessor.
func (Anonymizer) Name() string { return "data-anonymizer" }

// CanHandle implements ConstraintProcessor.
func (Anonymizer) CanHandle(constraint string) bool {
	c := strings.ToLower(constraint)
	return strings.Contains(c, "anonymize") || strings.Contains(c, "redact") || c == "data-anonymizer"
}

// Apply implements ConstraintProcessor.
func (a Anonymizer) Apply(_ context.Context, _ string, data any, _ *decision.Context) (any, error) {
	return a.walk(data, ""), nil
}

func (a Anonymizer) walk(v any, field string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = a.walk(child, strings.ToLower(k))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = a.walk(child, field)
		}
		return out
	case string:
		if redactedFields[field] {
			return "[REDACTED]"
		}
		return emailRE.ReplaceAllString(val, "****@$1")
	default:
		// Primitives in unrecognized fields pass through untouched.
		return v
	}
}

// RateLimiter enforces token buckets per (agent, action). The limit is
// parsed from the constraint string, e.g. "rate limit: 3 per second". On
// exhaustion the request fails immediately; there is no queueing.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens   float64
	cap      float64
	refill   float64 // tokens per second
	lastSeen time.Time
}

var rateLimitRE = regexp.MustCompile(`(?i)rate\s*limit:?\s*(\d+)\s*per\s*(second|minute|hour)`)

// NewRateLimiter creates a rate limiter. now overrides the clock in tests;
// nil selects time.Now.
func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: make(map[string]*tokenBucket), now: now}
}

// Name implements ConstraintProcessor.
func (*RateLimiter) Name() string { return "rate-limiter" }

// CanHandle implements ConstraintProcessor.
func (*RateLimiter) CanHandle(constraint string) bool {
	return rateLimitRE.MatchString(constraint) || strings.EqualFold(constraint, "rate-limiter")
}

// Apply implements ConstraintProcessor. Data is returned unmodified; the
// only effect is consuming a token or failing the request.
func (r *RateLimiter) Apply(_ context.Context, constraint string, data any, dctx *decision.Context) (any, error) {
	if err := r.take(constraint, dctx); err != nil {
		return nil, err
	}
	return data, nil
}

// take consumes one token for (agent, action) under the given constraint
// string. Returns a *RateLimitError when the bucket is empty.
func (r *RateLimiter) take(constraint string, dctx *decision.Context) error {
	m := rateLimitRE.FindStringSubmatch(constraint)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid rate limit %q", constraint)
	}
	var window time.Duration
	switch strings.ToLower(m[2]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	}

	key := dctx.Agent + "|" + string(dctx.Action)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:   float64(n),
			cap:      float64(n),
			refill:   float64(n) / window.Seconds(),
			lastSeen: now,
		}
		r.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * b.refill
		if b.tokens > b.cap {
			b.tokens = b.cap
		}
		b.lastSeen = now
	}

	if b.tokens < 1 {
		return &RateLimitError{Agent: dctx.Agent, Limit: constraint}
	}
	b.tokens--
	return nil
}

// GeoRestrictor fails requests whose client IP resolves outside the allowed
// regions. The client IP is read from the context environment; region
// lookup uses a configured CIDR table (loopback and RFC1918 ranges resolve
// to "LOCAL" by default).
type GeoRestrictor struct {
	regions map[string][]*net.IPNet
}

var geoRE = regexp.MustCompile(`(?i)geo\s*(?:restrict)?:?\s*([A-Za-z, \-]+)`)

// NewGeoRestrictor creates a restrictor. regions maps region name → CIDRs;
// invalid CIDRs are ignored.
func NewGeoRestrictor(regions map[string][]string) *GeoRestrictor {
	table := map[string][]*net.IPNet{}
	defaults := map[string][]string{
		"LOCAL": {"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128"},
	}
	for name, cidrs := range defaults {
		for _, c := range cidrs {
			if _, ipnet, err := net.ParseCIDR(c); err == nil {
				table[name] = append(table[name], ipnet)
			}
		}
	}
	for name, cidrs := range regions {
		name = strings.ToUpper(name)
		for _, c := range cidrs {
			if _, ipnet, err := net.ParseCIDR(c); err == nil {
				table[name] = append(table[name], ipnet)
			}
		}
	}
	return &GeoRestrictor{regions: table}
}

// Name implements ConstraintProcessor.
func (*GeoRestrictor) Name() string { return "geo-restrictor" }

// CanHandle implements ConstraintProcessor.
func (*GeoRestrictor) CanHandle(constraint string) bool {
	return strings.Contains(strings.ToLower(constraint), "geo")
}

// Apply implements ConstraintProcessor. Data passes through unchanged; a
// client outside the allowed regions fails the request.
func (g *GeoRestrictor) Apply(_ context.Context, constraint string, data any, dctx *decision.Context) (any, error) {
	if err := g.check(constraint, dctx); err != nil {
		return nil, err
	}
	return data, nil
}

// check verifies the client region against the allow list parsed from the
// constraint string, e.g. "geo restrict: US, LOCAL".
func (g *GeoRestrictor) check(constraint string, dctx *decision.Context) error {
	m := geoRE.FindStringSubmatch(constraint)
	if m == nil {
		return nil
	}
	var allowed []string
	for _, part := range strings.Split(m[1], ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return nil
	}

	ipStr, _ := dctx.Environment["clientIP"].(string)
	region := g.regionOf(ipStr)
	for _, a := range allowed {
		if a == region {
			return nil
		}
	}
	return fmt.Errorf("%w: client region %q not in %v", ErrGeoRestricted, region, allowed)
}

func (g *GeoRestrictor) regionOf(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "UNKNOWN"
	}
	for name, nets := range g.regions {
		for _, n := range nets {
			if n.Contains(ip) {
				return name
			}
		}
	}
	return "UNKNOWN"
}
