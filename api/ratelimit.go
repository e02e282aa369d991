package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// backoffPolicy configures a backoffLimiter.
type backoffPolicy struct {
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
}

var (
	// Keyed by normalised login, so unknown logins are throttled exactly
	// like known ones.
	accountBackoff = backoffPolicy{maxFailures: 5, baseLockout: time.Minute, maxLockout: 15 * time.Minute}
	ipBackoff      = backoffPolicy{maxFailures: 20, baseLockout: time.Minute, maxLockout: 30 * time.Minute}
)

// attemptExpiry is how long after the last failure a record is forgotten.
const attemptExpiry = 1 * time.Hour

// backoffLimiter counts consecutive sign-in failures per key and locks the
// key out with exponential backoff once policy.maxFailures is reached.
type backoffLimiter struct {
	mu       sync.Mutex
	policy   backoffPolicy
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newBackoffLimiter(p backoffPolicy) *backoffLimiter {
	return &backoffLimiter{
		policy:   p,
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure applies baseLockout * 2^(failures - maxFailures), capped at
// maxLockout.
func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.policy.maxFailures {
		lockout := rl.policy.baseLockout
		for i := 0; i < rec.failures-rl.policy.maxFailures; i++ {
			lockout *= 2
			if lockout > rl.policy.maxLockout {
				lockout = rl.policy.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, key)
		}
	}
}

const (
	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute
)

// globalRateLimiter locks every sign-in out for globalLockout once
// globalMaxFailures failures land within globalWindow.
type globalRateLimiter struct {
	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
	now         func() time.Time
}

func newGlobalRateLimiter() *globalRateLimiter {
	return &globalRateLimiter{now: time.Now}
}

func (rl *globalRateLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *globalRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.failures = trimWindow(append(rl.failures, now), now, globalWindow)
	if len(rl.failures) >= globalMaxFailures {
		rl.lockedUntil = now.Add(globalLockout)
	}
}

// signInLimiter checks the per-IP request bucket and then the global,
// per-IP and per-login failure limiters, and records outcomes against the
// failure limiters.
type signInLimiter struct {
	request *requestLimiter
	global  *globalRateLimiter
	ip      *backoffLimiter
	account *backoffLimiter
}

func newSignInLimiter() *signInLimiter {
	return &signInLimiter{
		request: newRequestLimiter(requestRate, requestBurst, requestTTL),
		global:  newGlobalRateLimiter(),
		ip:      newBackoffLimiter(ipBackoff),
		account: newBackoffLimiter(accountBackoff),
	}
}

// check returns the limiter scope that blocked the attempt, or "".
func (l *signInLimiter) check(login, clientIP string) (scope string, retryAfter time.Duration) {
	if ok, d := l.request.allow(clientIP); !ok {
		return "request", d
	}
	if blocked, d := l.global.check(); blocked {
		return "global", d
	}
	if blocked, d := l.ip.check(clientIP); blocked {
		return "ip", d
	}
	if login != "" {
		if blocked, d := l.account.check(login); blocked {
			return "account", d
		}
	}
	return "", 0
}

func (l *signInLimiter) failure(login, clientIP string) {
	l.global.recordFailure()
	l.ip.recordFailure(clientIP)
	if login != "" {
		l.account.recordFailure(login)
	}
}

func (l *signInLimiter) success(login, clientIP string) {
	l.ip.recordSuccess(clientIP)
	l.account.recordSuccess(login)
}

func (l *signInLimiter) sweep() {
	l.request.sweep()
	l.ip.sweep()
	l.account.sweep()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed sign-in attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP used as the rate limiting key.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// X-Forwarded-For, Forwarded and X-Real-IP are consulted, in that order,
// only when RemoteAddr falls inside one of trustedProxies. With no trusted
// proxies RemoteAddr is always used.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}

const (
	requestRate  = rate.Limit(5)
	requestBurst = 20
	requestTTL   = 10 * time.Minute
)

// requestLimiter is a per-key token bucket applied to every sign-in
// attempt, successful or not. It caps raw request volume where the backoff
// limiters only count failures.
type requestLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*requestBucket
	now     func() time.Time
}

type requestBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRequestLimiter(limit rate.Limit, burst int, ttl time.Duration) *requestLimiter {
	return &requestLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*requestBucket),
		now:     time.Now,
	}
}

// allow takes one token for key. When none is left it reports how long
// until the next one.
func (m *requestLimiter) allow(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.entries[key]
	if b == nil {
		b = &requestBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (m *requestLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, b := range m.entries {
		if now.Sub(b.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
}
