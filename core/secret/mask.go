package secret

import "strings"

// Mask returns a masked representation of a secret string.
// - length <= 5: fully masked
// - length <= 20: first and last characters visible
// - length > 20: first 3 and last 1 characters visible
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// MaskURL masks the password of a connection URL so it can be logged.
// Values that are not URLs, or carry no password, are returned unchanged.
func MaskURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok || strings.Contains(userinfo, "/") {
		return raw
	}
	user, pw, ok := strings.Cut(userinfo, ":")
	if !ok {
		return raw
	}
	return scheme + "://" + user + ":" + Mask(pw) + "@" + host
}
