package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// fetchTimeout bounds one outbound request.
	fetchTimeout = 10 * time.Second

	// fetchBodyCap truncates response bodies handed back to scripts.
	fetchBodyCap = 256 << 10
)

// internalSuffixes name hosts that are never fetchable, on top of the
// configured patterns.
var internalSuffixes = []string{".localhost", ".local", ".internal"}

// FetchPolicy pattern-gates outbound fetches made on behalf of agents.
// Blocked patterns win over allowed ones; a non-empty allow list admits
// only matching URLs. Loopback, private, and link-local hosts are always
// refused.
type FetchPolicy struct {
	enabled bool
	allowed []*regexp.Regexp
	blocked []*regexp.Regexp
	client  *http.Client

	// allowInternal lifts the private-host refusal for tests.
	allowInternal bool
}

// FetchResult is one completed outbound request.
type FetchResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// NewFetchPolicy compiles the configured URL patterns. An invalid pattern
// errors so config typos surface at startup.
func NewFetchPolicy(enabled bool, allowedPatterns, blockedPatterns []string) (*FetchPolicy, error) {
	p := &FetchPolicy{
		enabled: enabled,
		client:  &http.Client{Timeout: fetchTimeout},
	}
	for _, pat := range allowedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("fetchProxy allowed pattern %q: %w", pat, err)
		}
		p.allowed = append(p.allowed, re)
	}
	for _, pat := range blockedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("fetchProxy blocked pattern %q: %w", pat, err)
		}
		p.blocked = append(p.blocked, re)
	}
	return p, nil
}

// Enabled reports whether outbound fetch is available at all.
func (p *FetchPolicy) Enabled() bool { return p != nil && p.enabled }

// Check returns nil when rawURL may be fetched.
func (p *FetchPolicy) Check(rawURL string) error {
	if !p.Enabled() {
		return errors.New("outbound fetch is disabled")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("url has no host")
	}
	if !p.allowInternal && isInternalHost(u.Hostname()) {
		return fmt.Errorf("host %q is not fetchable", u.Hostname())
	}
	for _, re := range p.blocked {
		if re.MatchString(rawURL) {
			return fmt.Errorf("url matches blocked pattern %q", re.String())
		}
	}
	if len(p.allowed) > 0 {
		for _, re := range p.allowed {
			if re.MatchString(rawURL) {
				return nil
			}
		}
		return errors.New("url matches no allowed pattern")
	}
	return nil
}

// Fetch GETs rawURL after Check, capping how much of the body is read.
func (p *FetchPolicy) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	if err := p.Check(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "agenthub")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyCap))
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
		Truncated:   len(body) == fetchBodyCap,
	}, nil
}

// isInternalHost refuses loopback, private, link-local, and well-known
// internal names. Static checks only; the resolver is not consulted.
func isInternalHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || h == "metadata.google.internal" {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	}
	return false
}
