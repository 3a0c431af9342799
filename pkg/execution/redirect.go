/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: redirect.go
Description: Redirect decisions for the transports. The same-host rule resolves relative
locations against the original request and follows only when both hosts are known and equal
ignoring case. Parse failures never follow.
*/

package execution

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// ShouldFollow applies the same-host rule to a Location header value
func ShouldFollow(original, location string) bool {
	orig, err := url.Parse(original)
	if err != nil {
		return false
	}
	loc, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return false
	}
	return sameHost(orig, orig.ResolveReference(loc))
}

// ResolveLocation returns the absolute redirect target, or "" when it cannot be parsed
func ResolveLocation(original, location string) string {
	orig, err := url.Parse(original)
	if err != nil {
		return ""
	}
	loc, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return ""
	}
	return orig.ResolveReference(loc).String()
}

func sameHost(a, b *url.URL) bool {
	ha, hb := a.Hostname(), b.Hostname()
	if ha == "" || hb == "" {
		return false
	}
	return strings.EqualFold(ha, hb)
}

// redirectMode maps a policy to the option understood by host senders
func redirectMode(p interfaces.RedirectPolicy) interfaces.RedirectMode {
	switch p {
	case interfaces.FollowAll:
		return interfaces.RedirectAlways
	case interfaces.SameHost:
		return interfaces.RedirectSameHost
	default:
		return interfaces.RedirectNever
	}
}

// checkRedirect builds an http.Client CheckRedirect hook for the policy.
// Returning ErrUseLastResponse hands the 3xx response back to the caller
// instead of failing the send.
func checkRedirect(policy interfaces.RedirectPolicy, maxHops int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		switch policy {
		case interfaces.FollowAll:
			if len(via) > maxHops {
				return http.ErrUseLastResponse
			}
			return nil
		case interfaces.SameHost:
			if len(via) > maxHops {
				return http.ErrUseLastResponse
			}
			if len(via) == 0 || !sameHost(via[0].URL, req.URL) {
				return http.ErrUseLastResponse
			}
			return nil
		default:
			return http.ErrUseLastResponse
		}
	}
}
