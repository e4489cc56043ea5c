package relay

import "strings"

// Machine-readable prefixes for OK and CLOSED reason strings. Clients key
// behavior off the prefix, so every reason produced by the relay goes
// through these helpers.
const (
	PrefixInvalid      = "invalid"
	PrefixPow          = "pow"
	PrefixAuthRequired = "auth-required"
	PrefixRestricted   = "restricted"
	PrefixRateLimited  = "rate-limited"
	PrefixDuplicate    = "duplicate"
	PrefixUnsupported  = "unsupported"
	PrefixError        = "error"
)

func reason(prefix, msg string) string {
	return prefix + ": " + msg
}

func reasonInvalid(msg string) string     { return reason(PrefixInvalid, msg) }
func reasonPow(msg string) string         { return reason(PrefixPow, msg) }
func reasonRestricted(msg string) string  { return reason(PrefixRestricted, msg) }
func reasonRateLimited(msg string) string { return reason(PrefixRateLimited, msg) }
func reasonDuplicate(msg string) string   { return reason(PrefixDuplicate, msg) }
func reasonUnsupported(msg string) string { return reason(PrefixUnsupported, msg) }
func reasonError(msg string) string       { return reason(PrefixError, msg) }

// reasonPrefix extracts the machine prefix of a reason string for metrics
// labels.
func reasonPrefix(s string) string {
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i]
	}
	return PrefixError
}
