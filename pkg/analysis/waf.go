/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: waf.go
Description: WAF and rate-limit block detection. Classifies responses using provider signatures
(Cloudflare, Akamai, Imperva, Sucuri, F5, Barracuda, AWS, Azure) and a generic fallback built
from header names, block status codes and body phrases.
*/

package analysis

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// evidence rule for combining header, status and body signals
type combine int

const (
	// headers && status && body
	allSignals combine = iota
	// headers && (status || body)
	headersPlusEither
	// headers || (status && body)
	headersOrStatusBody
	// (headers || status) && body
	bodyPlusEither
	// headers && (body || status)
	headersAndBodyOrStatus
)

type headerRule struct {
	nameContains   []string
	names          []string
	serverContains []string
	cookieContains []string
	cookiePrefixes []string
}

type wafSignature struct {
	name     string
	headers  headerRule
	statuses []int
	body     []string
	bodyRe   *regexp.Regexp
	bodyAll  [][2]string
	rule     combine
}

var wafSignatures = []wafSignature{
	{
		name: "cloudflare",
		headers: headerRule{
			nameContains:   []string{"cf-", "cloudflare"},
			serverContains: []string{"cloudflare"},
		},
		statuses: []int{403, 503, 421},
		body: []string{"cloudflare", "ray id", "checking your browser", "security check to access",
			"attention required", "challenge-platform"},
		bodyRe: regexp.MustCompile(`id=["']?cf-[\w-]+`),
		rule:   allSignals,
	},
	{
		name: "akamai",
		headers: headerRule{
			nameContains:   []string{"akamai", "x-cache-remote"},
			serverContains: []string{"akamai"},
		},
		statuses: []int{403},
		body: []string{"akamai", "reference #", "access denied", "request blocked",
			"security incident id", "your request has been blocked"},
		rule: headersAndBodyOrStatus,
	},
	{
		name: "imperva",
		headers: headerRule{
			nameContains:   []string{"incap_ses", "incapsula", "visid_incap", "x-cdn-pop"},
			names:          []string{"x-iinfo"},
			serverContains: []string{"incapsula", "imperva"},
			cookieContains: []string{"incap_ses", "visid_incap"},
		},
		statuses: []int{403, 406, 503},
		body: []string{"incapsula", "imperva", "coming from possibly suspicious activity",
			"_incapsula_resource", "blocked because of suspicious activity", "please solve this captcha"},
		rule: headersPlusEither,
	},
	{
		name: "sucuri",
		headers: headerRule{
			nameContains:   []string{"sucuri"},
			serverContains: []string{"sucuri"},
		},
		statuses: []int{403},
		body:     []string{"sucuri", "cloudproxy", "blocked by the website owner"},
		rule:     headersPlusEither,
	},
	{
		name: "f5",
		headers: headerRule{
			nameContains:   []string{"f5", "bigip"},
			names:          []string{"x-hw"},
			serverContains: []string{"bigip"},
			cookieContains: []string{"bigipserver"},
			cookiePrefixes: []string{"ts"},
		},
		statuses: []int{403, 501},
		body:     []string{"f5", "the requested url was rejected", "request rejected", "security incident id"},
		rule:     headersPlusEither,
	},
	{
		name: "barracuda",
		headers: headerRule{
			nameContains:   []string{"barracuda", "barra"},
			serverContains: []string{"barracuda"},
			cookieContains: []string{"barracuda_"},
		},
		statuses: []int{403, 503},
		body: []string{"barracuda", "you are attempting to access a forbidden site",
			"you were automatically blocked", "barracuda networks"},
		rule: headersOrStatusBody,
	},
	{
		name: "aws",
		headers: headerRule{
			nameContains:   []string{"aws", "amazon"},
			names:          []string{"x-amz-id", "x-amz-request-id", "x-amz-cf-id"},
			serverContains: []string{"awselb", "amazon", "aws"},
		},
		statuses: []int{403},
		body:     []string{"aws", "amazon", "wafer", "request blocked", "blocked by waf"},
		rule:     headersPlusEither,
	},
	{
		name: "azure",
		headers: headerRule{
			nameContains:   []string{"azure", "msedge"},
			names:          []string{"x-ms-request-id"},
			serverContains: []string{"microsoft"},
		},
		statuses: []int{403},
		body:     []string{"azure", "microsoft", "front door", "application gateway", "the request is blocked"},
		rule:     headersPlusEither,
	},
	{
		name: "generic",
		headers: headerRule{
			nameContains: []string{"waf", "firewall", "security"},
			names:        []string{"x-cdn", "x-firewall-protection"},
		},
		statuses: []int{403, 503},
		body: []string{"waf", "firewall", "security check", "blocked for security reasons",
			"suspicious activity", "bot protection", "captcha", "unusual traffic", "automated requests",
			"rate limit", "rate exceeded", "too many requests", "ddos protection",
			"browser verification", "browser check"},
		bodyAll: [][2]string{
			{"blocked", "security"},
			{"access denied", "security"},
			{"forbidden", "security"},
		},
		rule: bodyPlusEither,
	},
}

// IsBlocked reports whether the response indicates WAF blocking or rate limiting
func IsBlocked(result *interfaces.Result) bool {
	_, blocked := DetectBlock(result)
	return blocked
}

// DetectBlock classifies a response and names the provider that blocked it.
// A 429 is reported as "rate-limit". Failure markers are never blocked.
func DetectBlock(result *interfaces.Result) (string, bool) {
	if result == nil || result.Failed {
		return "", false
	}
	if result.StatusCode == http.StatusTooManyRequests {
		return "rate-limit", true
	}

	body := strings.ToLower(string(result.Body))
	for i := range wafSignatures {
		sig := &wafSignatures[i]
		if sig.matches(result.Header, result.StatusCode, body) {
			return sig.name, true
		}
	}
	return "", false
}

func (s *wafSignature) matches(header http.Header, status int, body string) bool {
	h := s.headers.matches(header)
	st := containsStatus(s.statuses, status)
	b := s.bodyMatches(body)

	switch s.rule {
	case allSignals:
		return h && st && b
	case headersPlusEither:
		return h && (st || b)
	case headersOrStatusBody:
		return h || (st && b)
	case bodyPlusEither:
		return (h || st) && b
	case headersAndBodyOrStatus:
		return h && (b || st)
	default:
		return false
	}
}

func (s *wafSignature) bodyMatches(body string) bool {
	if body == "" {
		return false
	}
	for _, needle := range s.body {
		if strings.Contains(body, needle) {
			return true
		}
	}
	for _, pair := range s.bodyAll {
		if strings.Contains(body, pair[0]) && strings.Contains(body, pair[1]) {
			return true
		}
	}
	return s.bodyRe != nil && s.bodyRe.MatchString(body)
}

func (r headerRule) matches(header http.Header) bool {
	for name, values := range header {
		lname := strings.ToLower(name)
		for _, sub := range r.nameContains {
			if strings.Contains(lname, sub) {
				return true
			}
		}
		for _, exact := range r.names {
			if lname == exact {
				return true
			}
		}
		for _, v := range values {
			lv := strings.ToLower(v)
			switch lname {
			case "server":
				for _, sub := range r.serverContains {
					if strings.Contains(lv, sub) {
						return true
					}
				}
			case "set-cookie":
				for _, sub := range r.cookieContains {
					if strings.Contains(lv, sub) {
						return true
					}
				}
				for _, p := range r.cookiePrefixes {
					if strings.HasPrefix(lv, p) {
						return true
					}
				}
			}
		}
	}
	return false
}

func containsStatus(codes []int, status int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}
