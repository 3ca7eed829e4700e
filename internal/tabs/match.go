package tabs

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher tests URLs against browser-style match patterns such as
// "http://localhost:3000/*" or "https://*.example.dev/*".
//
// A pattern is <scheme>://<host><path>. The scheme is literal or "*" (http
// and https). The host is literal, "*", or "*." followed by a domain, which
// matches the domain and every subdomain of it; a port, when given, must
// match exactly. Only the path and query are matched against the path
// glob, so a wildcard there never reaches the host and the fragment is
// ignored. "<all_urls>" matches any http, https or file URL.
type Matcher struct {
	patterns []string
	compiled []pattern
}

type pattern struct {
	all    bool
	scheme string
	host   glob.Glob // nil matches any host
	port   string
	path   glob.Glob
}

// NewMatcher compiles the given patterns.
func NewMatcher(patterns ...string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		c, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("match pattern %q: %w", p, err)
		}
		m.compiled = append(m.compiled, c)
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

func compilePattern(p string) (pattern, error) {
	if p == "<all_urls>" {
		return pattern{all: true}, nil
	}
	scheme, rest, ok := strings.Cut(p, "://")
	if !ok || scheme == "" {
		return pattern{}, fmt.Errorf("missing scheme")
	}
	scheme = strings.ToLower(scheme)
	if scheme != "*" && strings.Contains(scheme, "*") {
		return pattern{}, fmt.Errorf("wildcard scheme must be exactly *")
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return pattern{}, fmt.Errorf("missing path")
	}
	hostPart, path := strings.ToLower(rest[:slash]), rest[slash:]

	c := pattern{scheme: scheme}
	host, port, _ := strings.Cut(hostPart, ":")
	c.port = port
	switch {
	case host == "*":
	case host == "" && scheme != "file":
		return pattern{}, fmt.Errorf("missing host")
	case strings.HasPrefix(host, "*."):
		domain := host[2:]
		if domain == "" || strings.Contains(domain, "*") {
			return pattern{}, fmt.Errorf("invalid host wildcard %q", host)
		}
		q := glob.QuoteMeta(domain)
		g, err := glob.Compile("{"+q+",**."+q+"}", '.')
		if err != nil {
			return pattern{}, err
		}
		c.host = g
	case strings.Contains(host, "*"):
		return pattern{}, fmt.Errorf("host wildcard must lead as *.domain, got %q", host)
	default:
		g, err := glob.Compile(glob.QuoteMeta(host), '.')
		if err != nil {
			return pattern{}, err
		}
		c.host = g
	}

	g, err := glob.Compile(strings.ReplaceAll(glob.QuoteMeta(path), `\*`, "*"))
	if err != nil {
		return pattern{}, err
	}
	c.path = g
	return c, nil
}

func (c pattern) match(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if c.all {
		return scheme == "http" || scheme == "https" || scheme == "file"
	}
	if c.scheme == "*" {
		if scheme != "http" && scheme != "https" {
			return false
		}
	} else if scheme != c.scheme {
		return false
	}
	if c.host != nil && !c.host.Match(strings.ToLower(u.Hostname())) {
		return false
	}
	if c.port != "" && u.Port() != c.port {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		path += "?" + u.RawQuery
	}
	return c.path.Match(path)
}

// MustMatcher is like NewMatcher but panics on an invalid pattern.
func MustMatcher(patterns ...string) *Matcher {
	m, err := NewMatcher(patterns...)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether rawURL matches any pattern. A nil matcher matches
// everything; an unparsable URL matches nothing.
func (m *Matcher) Match(rawURL string) bool {
	if m == nil {
		return true
	}
	if len(m.compiled) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Opaque != "" {
		return false
	}
	for _, c := range m.compiled {
		if c.match(u) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
