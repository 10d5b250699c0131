package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach the log.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"bearer":        {},
	"secret":        {},
	"hmac_secret":   {},
	"signature":     {},
	"password":      {},
	"dsn":           {},
}

// IsSensitive reports whether values logged under key must be masked. Keys
// ending in _secret or _token count as sensitive too.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, "_secret") || strings.HasSuffix(normalized, "_token")
}

// MaskValue returns the placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, masking the value when key is
// sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// MaskBearer keeps the scheme of an Authorization header and hides the
// credential.
func MaskBearer(header string) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || strings.TrimSpace(credential) == "" {
		return MaskValue(header)
	}
	return scheme + " " + RedactedValue
}

// MaskDSN hides the password of a URL style DSN. Anything that does not parse
// as a URL with credentials is returned as is; sqlite file DSNs carry none.
func MaskDSN(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, ok := parsed.User.Password(); !ok {
		return dsn
	}
	parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
	return parsed.String()
}
