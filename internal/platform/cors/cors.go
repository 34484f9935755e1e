// Package cors implements the origin allow-list for the dashboard and the
// Chrome extension. The matching logic lives here, independent of echo, so
// it can be tested directly; Middleware wires it into echo's CORS support.
package cors

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// AllowList holds the configured origins. Entries come in three forms:
//
//	https://app.vetdesk.example      exact scheme+host(+port) match
//	https://*.vetdesk.example        one subdomain label wildcard
//	chrome-extension://<id>          extension origin, exact match
type AllowList struct {
	exact     map[string]bool
	wildcards []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string // includes trailing "://"
	suffix string // ".vetdesk.example" — host must end with this
}

// New builds an AllowList from configured origin strings. Entries are
// normalized (trimmed, lowercased, trailing slash dropped); empty entries
// are skipped.
func New(origins []string) *AllowList {
	al := &AllowList{exact: make(map[string]bool)}
	for _, o := range origins {
		o = normalizeOrigin(o)
		if o == "" {
			continue
		}

		scheme, rest, found := strings.Cut(o, "://")
		if found && strings.HasPrefix(rest, "*.") {
			al.wildcards = append(al.wildcards, wildcardOrigin{
				scheme: scheme + "://",
				suffix: rest[1:], // keep the leading dot
			})
			continue
		}

		al.exact[o] = true
	}
	return al
}

// Allowed reports whether the given Origin header value may access the API.
// An empty origin (curl, server-to-server) passes the CORS layer — auth
// still applies. The literal "null" origin (sandboxed iframes, file://) is
// always denied.
func (al *AllowList) Allowed(origin string) bool {
	if origin == "" {
		return true
	}

	origin = normalizeOrigin(origin)
	if origin == "null" || origin == "" {
		return false
	}

	if al.exact[origin] {
		return true
	}

	for _, w := range al.wildcards {
		if !strings.HasPrefix(origin, w.scheme) {
			continue
		}
		host := origin[len(w.scheme):]
		if !strings.HasSuffix(host, w.suffix) {
			continue
		}
		// Exactly one extra label: no dots before the matched suffix.
		label := host[:len(host)-len(w.suffix)]
		if label != "" && !strings.Contains(label, ".") {
			return true
		}
	}

	return false
}

// normalizeOrigin lowercases and strips whitespace, any path suffix, and a
// trailing slash, so "https://App.Example.com/" compares equal to
// "https://app.example.com".
func normalizeOrigin(o string) string {
	o = strings.ToLower(strings.TrimSpace(o))
	if o == "" {
		return ""
	}

	if scheme, rest, found := strings.Cut(o, "://"); found {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return scheme + "://" + rest
	}
	return strings.TrimSuffix(o, "/")
}

// Middleware returns the echo CORS middleware backed by the allow-list.
func Middleware(al *AllowList) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return al.Allowed(origin), nil
		},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}
