// Package auth authenticates gateway HTTP and WebSocket requests.
// Exactly one mode is active per Authenticator.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Mode is the active authentication method.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeToken    Mode = "token"
	ModePassword Mode = "password"
)

// Machine-readable failure reasons. Credentials never appear in them.
const (
	ReasonRateLimited      = "rate_limited"
	ReasonTokenMissing     = "token_missing"
	ReasonTokenMismatch    = "token_mismatch"
	ReasonPasswordMissing  = "password_missing"
	ReasonPasswordMismatch = "password_mismatch"
	ReasonUserMismatch     = "user_mismatch"
)

// Config selects the mode and its credentials.
type Config struct {
	Mode     Mode
	Token    string
	Username string
	Password string // plain text or an $argon2id$ hash

	// TrustedProxies lists peer IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means headers are ignored.
	TrustedProxies []string
}

// Result is the outcome of one authentication attempt.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Method Mode   `json:"method"`
	User   string `json:"user,omitempty"`

	// RetryAfter is set when the IP is inside its back-off window.
	RetryAfter time.Duration `json:"-"`
}

// Authenticator checks requests against one Config.
type Authenticator struct {
	cfg     Config
	proxies []*net.IPNet
	backoff *Backoff
}

// New validates cfg and creates an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeNone
	case ModeNone:
	case ModeToken:
		if cfg.Token == "" {
			return nil, fmt.Errorf("auth: token mode requires a token")
		}
	case ModePassword:
		if cfg.Password == "" {
			return nil, fmt.Errorf("auth: password mode requires a password")
		}
		if IsHash(cfg.Password) {
			if _, _, _, err := decodeHash(cfg.Password); err != nil {
				return nil, fmt.Errorf("auth: gateway.auth.password: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("auth: gateway.trustedProxies: %w", err)
	}
	return &Authenticator{
		cfg:     cfg,
		proxies: proxies,
		backoff: NewBackoff(DefaultBackoffBase, DefaultBackoffMax),
	}, nil
}

// Mode returns the active mode.
func (a *Authenticator) Mode() Mode {
	return a.cfg.Mode
}

// Authenticate checks r. Failures are recorded against the client IP;
// an IP inside its back-off window is refused without checking.
func (a *Authenticator) Authenticate(r *http.Request) Result {
	if a.cfg.Mode == ModeNone {
		return Result{OK: true, Method: ModeNone}
	}

	ip := a.ClientIP(r)
	if left := a.backoff.Remaining(ip); left > 0 {
		L_warn("auth: rate limited", "ip", ip, "retryAfter", left)
		return Result{Method: a.cfg.Mode, Reason: ReasonRateLimited, RetryAfter: left}
	}

	var res Result
	switch a.cfg.Mode {
	case ModeToken:
		res = a.checkToken(r)
	case ModePassword:
		res = a.checkPassword(r)
	}

	if !res.OK {
		block := a.backoff.Fail(ip)
		L_warn("auth: rejected", "mode", a.cfg.Mode, "reason", res.Reason, "ip", ip, "blocked", block)
		return res
	}
	a.backoff.Reset(ip)
	L_debug("auth: accepted", "mode", a.cfg.Mode, "ip", ip, "user", res.User)
	return res
}

func (a *Authenticator) checkToken(r *http.Request) Result {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Result{Method: ModeToken, Reason: ReasonTokenMissing}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) != 1 {
		return Result{Method: ModeToken, Reason: ReasonTokenMismatch}
	}
	return Result{OK: true, Method: ModeToken}
}

func (a *Authenticator) checkPassword(r *http.Request) Result {
	username, password, ok := r.BasicAuth()
	if !ok || password == "" {
		return Result{Method: ModePassword, Reason: ReasonPasswordMissing}
	}
	if a.cfg.Username != "" &&
		subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.Username)) != 1 {
		return Result{Method: ModePassword, Reason: ReasonUserMismatch}
	}

	var match bool
	if IsHash(a.cfg.Password) {
		match = VerifyPassword(password, a.cfg.Password)
	} else {
		match = subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.Password)) == 1
	}
	if !match {
		return Result{Method: ModePassword, Reason: ReasonPasswordMismatch}
	}
	return Result{OK: true, Method: ModePassword, User: username}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ParseTrustedProxies parses bare IPs and CIDRs. A bare IP becomes a
// single-host network.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			_, n, err := net.ParseCIDR(e)
			if err != nil {
				return nil, fmt.Errorf("bad cidr %q: %w", e, err)
			}
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("bad ip %q", e)
		}
		bits := 128
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// ClientIP resolves the address failures are recorded against.
func (a *Authenticator) ClientIP(r *http.Request) string {
	return ClientIP(r, a.proxies)
}

// ClientIP returns the peer address of r. Proxy headers are only read when
// the peer is inside trusted; X-Forwarded-For is then walked from the right
// and the first hop outside trusted wins.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !inNets(peer, trusted) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				// unparseable hop: stop trusting the chain here
				return peer
			}
			if !inNets(hop, trusted) || i == 0 {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}

func inNets(addr string, nets []*net.IPNet) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
