// Package webfinger canonicalizes ActivityPub actor identifiers. Two
// raw identifiers are the same actor only if their canonical forms
// match, which is the basis of the actor-confusion guard.
package webfinger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkd/pkg/httpx"
	"pkd/pkg/pkderr"
	"pkd/pkg/store"
)

// Doer is the slice of http.Client the resolver needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultTTL   = time.Hour
	maxBodyBytes = 1 << 20
)

type Resolver struct {
	Client Doer
	Cache  store.Cache
	TTL    time.Duration
}

func NewResolver(client Doer, cache store.Cache) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{Client: client, Cache: cache, TTL: defaultTTL}
}

type document struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases"`
}

// Split breaks an actor identifier into user and host. Accepted forms:
// "user@host", "acct:user@host" and "@user@host".
func Split(actor string) (user, host string, err error) {
	s := strings.TrimSpace(actor)
	s = strings.TrimPrefix(s, "acct:")
	s = strings.TrimPrefix(s, "@")
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", "", &pkderr.DependencyError{Reason: fmt.Sprintf("malformed actor %q", actor)}
	}
	return s[:at], strings.ToLower(s[at+1:]), nil
}

// Canonicalize resolves actor to its canonical identity via the host's
// WebFinger endpoint. Results are cached; staleness within the TTL is
// acceptable.
func (r *Resolver) Canonicalize(ctx context.Context, actor string) (string, error) {
	user, host, err := Split(actor)
	if err != nil {
		return "", err
	}
	resource := "acct:" + user + "@" + host

	cacheKey := "pkd:wf:" + resource
	if r.Cache != nil {
		if cached, err := r.Cache.Get(ctx, cacheKey); err == nil {
			return cached, nil
		}
	}

	endpoint := "https://" + host + "/.well-known/webfinger?resource=" + url.QueryEscape(resource)
	status, body, err := httpx.RequestJSON(ctx, r.Client, http.MethodGet, endpoint, nil,
		map[string]string{"Accept": "application/jrd+json"}, maxBodyBytes, 1, 200*time.Millisecond)
	if err != nil {
		return "", &pkderr.DependencyError{Reason: fmt.Sprintf("webfinger %s: %v", host, err)}
	}
	if status != http.StatusOK {
		return "", &pkderr.DependencyError{Reason: fmt.Sprintf("webfinger %s: status %d", host, status)}
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", &pkderr.DependencyError{Reason: fmt.Sprintf("webfinger %s: %v", host, err)}
	}
	if doc.Subject == "" {
		return "", &pkderr.DependencyError{Reason: fmt.Sprintf("webfinger %s: no subject", host)}
	}

	subjUser, subjHost, err := Split(doc.Subject)
	if err != nil {
		return "", err
	}
	canonical := subjUser + "@" + subjHost

	if r.Cache != nil {
		ttl := r.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		_ = r.Cache.Set(ctx, cacheKey, canonical, ttl)
	}
	return canonical, nil
}

// SameActor reports whether two raw identifiers canonicalize to the
// same identity.
func (r *Resolver) SameActor(ctx context.Context, a, b string) (bool, error) {
	ca, err := r.Canonicalize(ctx, a)
	if err != nil {
		return false, err
	}
	cb, err := r.Canonicalize(ctx, b)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}
