package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Rule is one entry of the rate-limit policy table.
type Rule struct {
	// Name identifies the rule in counter keys, logs and metrics.
	Name string `mapstructure:"name"`

	// Pattern is a regular expression matched against the request path.
	Pattern string `mapstructure:"pattern"`

	// Exclude, when set, is a regular expression that disqualifies an
	// otherwise matching path.
	Exclude string `mapstructure:"exclude"`

	// Methods restricts the rule to these HTTP methods. Empty matches all.
	Methods []string `mapstructure:"methods"`

	Window      time.Duration `mapstructure:"window"`
	MaxRequests int64         `mapstructure:"max_requests"`

	// Message is returned in the 429 body.
	Message string `mapstructure:"message"`

	pattern *regexp.Regexp
	exclude *regexp.Regexp
}

// DefaultMessage is used when a rule carries no message.
const DefaultMessage = "Too many requests, please try again later"

func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rate limit rule %q: name is required", r.Pattern)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate limit rule %q: window must be positive", r.Name)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("rate limit rule %q: max_requests must be positive", r.Name)
	}
	if r.Message == "" {
		r.Message = DefaultMessage
	}
	methods := make([]string, len(r.Methods))
	for i, m := range r.Methods {
		methods[i] = strings.ToUpper(m)
	}
	r.Methods = methods

	var err error
	if r.Pattern != "" {
		if r.pattern, err = regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("rate limit rule %q: pattern: %w", r.Name, err)
		}
	}
	if r.Exclude != "" {
		if r.exclude, err = regexp.Compile(r.Exclude); err != nil {
			return fmt.Errorf("rate limit rule %q: exclude: %w", r.Name, err)
		}
	}
	return nil
}

// Matches reports whether the rule applies to a request.
func (r *Rule) Matches(method, path string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.pattern != nil && !r.pattern.MatchString(path) {
		return false
	}
	if r.exclude != nil && r.exclude.MatchString(path) {
		return false
	}
	return true
}

// Policy is an ordered rule table. The first matching rule wins; requests
// matching nothing fall back to the default rule.
type Policy struct {
	rules    []Rule
	fallback Rule
}

// NewPolicy validates and compiles the rules.
func NewPolicy(rules []Rule, fallback Rule) (*Policy, error) {
	p := &Policy{
		rules:    make([]Rule, len(rules)),
		fallback: fallback,
	}
	copy(p.rules, rules)

	seen := make(map[string]bool, len(rules))
	for i := range p.rules {
		if err := p.rules[i].compile(); err != nil {
			return nil, err
		}
		if seen[p.rules[i].Name] {
			return nil, fmt.Errorf("rate limit rule %q defined twice", p.rules[i].Name)
		}
		seen[p.rules[i].Name] = true
	}

	p.fallback.Pattern = ""
	p.fallback.Exclude = ""
	p.fallback.Methods = nil
	if err := p.fallback.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultPolicy returns the built-in storefront rule table.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRules(), DefaultRule())
	if err != nil {
		panic(err)
	}
	return p
}

// Match returns the rule governing a request.
func (p *Policy) Match(method, path string) *Rule {
	method = strings.ToUpper(method)
	for i := range p.rules {
		if p.rules[i].Matches(method, path) {
			return &p.rules[i]
		}
	}
	return &p.fallback
}

// Rules returns the ordered rule table without the default rule.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Fallback returns the default rule.
func (p *Policy) Fallback() Rule {
	return p.fallback
}

// DefaultRule applies to every request no specific rule matches.
func DefaultRule() Rule {
	return Rule{
		Name:        "default",
		Window:      15 * time.Minute,
		MaxRequests: 100,
		Message:     "Too many requests from this IP, please try again later",
	}
}

// DefaultRules is the built-in table, most specific first.
func DefaultRules() []Rule {
	post := []string{http.MethodPost}
	return []Rule{
		{
			Name: "auth-login", Pattern: `/auth/login`, Methods: post,
			Window: 15 * time.Minute, MaxRequests: 5,
			Message: "Too many login attempts, please try again later",
		},
		{
			Name: "auth-register", Pattern: `/auth/register`, Methods: post,
			Window: time.Hour, MaxRequests: 3,
			Message: "Too many registration attempts, please try again later",
		},
		{
			Name: "auth-forgot-password", Pattern: `/auth/forgot-password`, Methods: post,
			Window: time.Hour, MaxRequests: 3,
			Message: "Too many password reset attempts, please try again later",
		},
		{
			Name: "auth-reset-password", Pattern: `/auth/reset-password`, Methods: post,
			Window: time.Hour, MaxRequests: 3,
			Message: "Too many password reset attempts, please try again later",
		},
		{
			Name: "auth-refresh", Pattern: `/auth/refresh`, Methods: post,
			Window: 5 * time.Minute, MaxRequests: 10,
			Message: "Too many token refresh attempts, please try again later",
		},
		{
			Name: "uploads", Pattern: `/upload|/files`, Methods: []string{http.MethodPost, http.MethodPut},
			Window: time.Hour, MaxRequests: 10,
			Message: "Too many file uploads, please try again later",
		},
		{
			Name: "search", Pattern: `/search|/catalog`, Methods: []string{http.MethodGet},
			Window: time.Minute, MaxRequests: 60,
			Message: "Too many search requests, please try again later",
		},
		{
			Name: "api-write", Pattern: `/api/`, Exclude: `/api/auth`,
			Methods: []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			Window:  time.Minute, MaxRequests: 30,
		},
		{
			Name: "api-read", Pattern: `/api/`,
			Methods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			Window:  5 * time.Minute, MaxRequests: 200,
		},
		{
			Name: "admin", Pattern: `/admin|/dashboard`,
			Window: 5 * time.Minute, MaxRequests: 50,
			Message: "Too many admin requests, please try again later",
		},
		{
			Name: "payments", Pattern: `/payments|/checkout`, Methods: post,
			Window: time.Minute, MaxRequests: 10,
			Message: "Too many payment requests, please try again later",
		},
		{
			Name: "support", Pattern: `/contact|/support`, Methods: post,
			Window: time.Hour, MaxRequests: 5,
			Message: "Too many support requests, please try again later",
		},
		{
			Name: "health", Pattern: `/health`,
			Window: time.Minute, MaxRequests: 10000,
		},
	}
}
