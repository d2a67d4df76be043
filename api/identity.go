/*
identity.go - Cookie-based identity for the booking API

PURPOSE:
  Resolves "who is making this request". The original system identified
  users by a plain email cookie set at login; this keeps that contract
  so existing frontends keep working.

SECURITY NOTE:
  The cookie is not signed. Anybody who can set cookies can impersonate
  anybody. This matches the trust model of the lab tool this replaces:
  it runs on a private network for a known team.

SEE ALSO:
  - handlers.go: Auth, Logout and Me endpoints
*/
package api

import (
	"net/http"
	"strings"
	"time"
)

// identityCookie is the cookie carrying the caller's email.
const identityCookie = "user_email"

// Identity resolves the caller of a request.
type Identity interface {
	// Current returns the caller's email, or "" when unauthenticated.
	Current(r *http.Request) string
	// Login marks the response as authenticated for the given email.
	Login(w http.ResponseWriter, email string)
	// Logout clears the caller's identity.
	Logout(w http.ResponseWriter)
}

// CookieIdentity implements Identity with the user_email cookie.
type CookieIdentity struct {
	// TTL bounds how long a login lasts. Zero means session cookie.
	TTL time.Duration
}

func (c *CookieIdentity) Current(r *http.Request) string {
	ck, err := r.Cookie(identityCookie)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}

func (c *CookieIdentity) Login(w http.ResponseWriter, email string) {
	ck := &http.Cookie{
		Name:     identityCookie,
		Value:    email,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if c.TTL > 0 {
		ck.MaxAge = int(c.TTL.Seconds())
	}
	http.SetCookie(w, ck)
}

func (c *CookieIdentity) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     identityCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
