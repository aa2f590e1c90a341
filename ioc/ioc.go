// Package ioc classifies and normalizes indicators of compromise.
//
// Classification is a pure function of the raw value: the same input always
// yields the same type, and a classified indicator never changes type. The
// normalized value plus the type form the indicator's identity everywhere
// else in the system.
package ioc

import (
	"errors"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Type is the classified kind of an indicator.
type Type string

const (
	TypeDomain  Type = "domain"
	TypeURL     Type = "url"
	TypeIP      Type = "ip"
	TypeEmail   Type = "email"
	TypeMD5     Type = "hash_md5"
	TypeSHA1    Type = "hash_sha1"
	TypeSHA256  Type = "hash_sha256"
	TypeUnknown Type = "unknown"
)

// ErrInvalid is returned for empty or unclassifiable input.
var ErrInvalid = errors.New("ioc: invalid indicator")

var (
	hexRe   = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Classify determines the type of a raw indicator value.
// Hashes are checked first (most specific), then email, IP, URL, domain.
// Returns ErrInvalid when no type matches.
func Classify(raw string) (Type, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return TypeUnknown, ErrInvalid
	}

	if t := hashType(v); t != TypeUnknown {
		return t, nil
	}
	if emailRe.MatchString(v) {
		return TypeEmail, nil
	}
	if net.ParseIP(v) != nil {
		return TypeIP, nil
	}
	if isURL(v) {
		return TypeURL, nil
	}
	if isDomain(v) {
		return TypeDomain, nil
	}
	return TypeUnknown, ErrInvalid
}

// Normalize canonicalizes a value for its type. Hashes, emails and domains
// are lowercased; domains are stripped of scheme, path and port; other types
// are trimmed only. Normalize(Normalize(v)) == Normalize(v).
func Normalize(raw string, t Type) string {
	v := strings.TrimSpace(raw)
	switch t {
	case TypeMD5, TypeSHA1, TypeSHA256, TypeEmail:
		return strings.ToLower(v)
	case TypeDomain:
		return strings.ToLower(stripToHost(v))
	case TypeURL, TypeIP:
		return v
	}
	return v
}

func hashType(v string) Type {
	if !hexRe.MatchString(v) {
		return TypeUnknown
	}
	switch len(v) {
	case 32:
		return TypeMD5
	case 40:
		return TypeSHA1
	case 64:
		return TypeSHA256
	}
	return TypeUnknown
}

func isURL(v string) bool {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return false
	}
	u, err := url.Parse(v)
	return err == nil && u.Host != ""
}

// isDomain accepts hostnames that resolve to a registrable domain under the
// public suffix list. Bare suffixes ("com", "co.uk") are rejected.
func isDomain(v string) bool {
	host := stripToHost(v)
	if host == "" || !strings.Contains(host, ".") {
		return false
	}
	if net.ParseIP(host) != nil {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	return err == nil
}

// stripToHost drops scheme, path and port from a value, leaving the hostname.
func stripToHost(v string) string {
	if i := strings.Index(v, "://"); i >= 0 {
		v = v[i+3:]
	}
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, ':'); i >= 0 {
		v = v[:i]
	}
	return v
}
