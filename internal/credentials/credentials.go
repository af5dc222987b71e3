// Package credentials normalizes and validates the credential bundle a
// session authenticates with. All operations here are pure: they report
// results as values and never raise for malformed input.
package credentials

import (
	"html"
	"net"
	"regexp"
)

// Bundle is a validated-or-not credential record.
// A Bundle is immutable after acceptance; a new bundle replaces the old one
// on reauth rather than mutating in place.
type Bundle struct {
	Username   string
	Host       string
	Port       int
	Password   string
	PrivateKey string
	Passphrase string
}

// Reason names why a bundle failed validation.
type Reason string

const (
	ReasonOK              Reason = ""
	ReasonEmptyUsername   Reason = "empty_username"
	ReasonInvalidHost     Reason = "invalid_host"
	ReasonInvalidPort     Reason = "invalid_port"
	ReasonNoAuthMaterial  Reason = "no_auth_material"
	ReasonPassphraseNoKey Reason = "passphrase_without_key"
)

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-\.]{0,253}[A-Za-z0-9])?$`)

// Validate reports whether bundle is well-formed.
func Validate(b Bundle) Reason {
	if b.Username == "" {
		return ReasonEmptyUsername
	}
	if !validHost(b.Host) {
		return ReasonInvalidHost
	}
	if b.Port < 1 || b.Port > 65535 {
		return ReasonInvalidPort
	}
	if b.Password == "" && b.PrivateKey == "" {
		return ReasonNoAuthMaterial
	}
	if b.Passphrase != "" && b.PrivateKey == "" {
		return ReasonPassphraseNoKey
	}
	return ReasonOK
}

func validHost(h string) bool {
	if h == "" {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	return hostnameRe.MatchString(h)
}

// SanitizeHost returns h unchanged if it is an IP literal, otherwise
// HTML-escapes it so it is safe to echo back into a UI surface.
func SanitizeHost(raw string) string {
	if net.ParseIP(raw) != nil {
		return raw
	}
	return html.EscapeString(raw)
}

var termNameRe = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,30}$`)

// SanitizeTerm accepts a 1..30 char token of [A-Za-z0-9.-]; anything else
// returns "", signaling the caller to fall back to its own default.
func SanitizeTerm(raw string) string {
	if termNameRe.MatchString(raw) {
		return raw
	}
	return ""
}

var (
	plainKeyRe = regexp.MustCompile(
		`(?s)^-----BEGIN (RSA )?PRIVATE KEY-----\r?\n.+\r?\n-----END (RSA )?PRIVATE KEY-----\r?\n?$`,
	)
	encryptedKeyRe = regexp.MustCompile(
		`(?s)^-----BEGIN (RSA )?PRIVATE KEY-----\r?\nProc-Type: 4,ENCRYPTED\r?\nDEK-Info: [^\r\n]+\r?\n\r?\n.+\r?\n-----END (RSA )?PRIVATE KEY-----\r?\n?$`,
	)
)

// ValidatePrivateKeyShape reports whether pem matches the standard or
// encrypted RSA PEM shape. Shape only — cryptographic validity
// is the SSH library's job.
func ValidatePrivateKeyShape(pem string) bool {
	return plainKeyRe.MatchString(pem) || encryptedKeyRe.MatchString(pem)
}

// IsEncrypted reports whether pem carries the Proc-Type/DEK-Info encryption
// header, used to distinguish PassphraseRequired from KeyShapeInvalid.
func IsEncrypted(pem string) bool {
	return encryptedKeyRe.MatchString(pem)
}

// Equal reports whether two bundles are identical in every authenticating
// field, used by the session to detect whether a reauth actually changed
// anything.
func Equal(a, b Bundle) bool {
	return a == b
}
