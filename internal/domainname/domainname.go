// Package domainname derives registrable domains from landing URLs.
package domainname

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = errors.New("empty url")
	// ErrNoHost is returned when no hostname can be extracted.
	ErrNoHost = errors.New("url has no host")
	// ErrIPHost is returned for IP literals, which have no registrable domain.
	ErrIPHost = errors.New("url host is an ip address")
)

// FromURL returns the public-suffix-aware registrable domain of raw,
// e.g. https://shop.example.co.uk/x → example.co.uk. Scheme-less input is accepted.
func FromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + strings.TrimPrefix(raw, "//")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return FromHost(u.Hostname())
}

// FromHost returns the registrable domain of a bare hostname.
func FromHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", ErrNoHost
	}
	if net.ParseIP(host) != nil {
		return "", ErrIPHost
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("registrable domain of %q: %w", host, err)
	}
	return registrable, nil
}

// IsPublicSuffix reports whether host is itself a public suffix, such as
// co.uk or a shared hosting suffix like myshopify.com. Every site under one
// has its own registrable domain, so a suffix never equals a FromURL result.
func IsPublicSuffix(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	return suffix == host
}
