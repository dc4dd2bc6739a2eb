// Package destination holds one adapter per external platform and the
// registry that builds them from configuration.
package destination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"reposter/internal/render"
)

// Capability is the set of payload parts an adapter can deliver.
type Capability uint8

const (
	CapText Capability = 1 << iota
	CapMedia
)

func (c Capability) Has(x Capability) bool { return c&x == x }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapText) {
		parts = append(parts, "text")
	}
	if c.Has(CapMedia) {
		parts = append(parts, "media")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Adapter publishes a rendered payload to one external target.
//
// Publish returns nil on success. Failures should be *Error so the caller
// can tell a rejected request from a transient one; anything else is
// treated as transient.
type Adapter interface {
	ID() string
	Kind() string
	Capabilities() Capability
	Publish(ctx context.Context, p render.Payload) error
}

// ErrDestination matches every *Error.
var ErrDestination = errors.New("destination error")

// Error is a failed publish. Status is the HTTP status when the remote
// answered, zero for transport failures.
type Error struct {
	Destination string
	Status      int
	Detail      string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Destination)
	if e.Status != 0 {
		b.WriteString(": status ")
		b.WriteString(strconv.Itoa(e.Status))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDestination}
	}
	return []error{ErrDestination, e.Err}
}

// Temporary reports whether another attempt might succeed. Transport
// errors, timeouts, 429 and 5xx are temporary; other 4xx are not.
func (e *Error) Temporary() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// MissingCredentialsError means the destination is configured but cannot
// be built; it is reported as skipped rather than failed.
type MissingCredentialsError struct {
	Kind   string
	Fields []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("%s: missing credentials: %s", e.Kind, strings.Join(e.Fields, ", "))
}

// creds reads credential fields and collects the missing required ones.
type creds struct {
	kind    string
	m       map[string]string
	missing []string
}

func newCreds(kind string, m map[string]string) *creds {
	return &creds{kind: kind, m: m}
}

func (c *creds) required(key string) string {
	v := strings.TrimSpace(c.m[key])
	if v == "" {
		c.missing = append(c.missing, key)
	}
	return v
}

func (c *creds) optional(key, def string) string {
	if v := strings.TrimSpace(c.m[key]); v != "" {
		return v
	}
	return def
}

// requireURL treats the base url as one more credential.
func (c *creds) requireURL(baseURL string) string {
	v := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if v == "" {
		c.missing = append(c.missing, "base_url")
	}
	return v
}

func (c *creds) err() error {
	if len(c.missing) == 0 {
		return nil
	}
	sort.Strings(c.missing)
	return &MissingCredentialsError{Kind: c.kind, Fields: c.missing}
}
