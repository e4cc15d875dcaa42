package privacy

import (
	"net/url"
	"strconv"
	"strings"
)

// MaskEmail keeps the first character of the local part and the domain
// Example: "alice@example.com" -> "a****@example.com"
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}

	local, domain := email[:at], email[at:]
	runes := []rune(local)
	return string(runes[0]) + strings.Repeat("*", len(runes)-1) + domain
}

// MaskSecret hides a derived key or token, keeping its length and last 4 characters
// Example: "abcdefghijkl" -> "********ijkl"
func MaskSecret(secret string) string {
	return maskString(secret, 4)
}

// MaskSource shortens a download source for logging. Data URIs lose their
// payload, URLs lose their query string and credentials.
func MaskSource(source string) string {
	if strings.HasPrefix(source, "data:") {
		header, _, found := strings.Cut(source, ",")
		if !found {
			return "data:<malformed>"
		}
		return header + ",<" + strconv.Itoa(len(source)-len(header)-1) + " bytes>"
	}

	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return maskString(source, 8)
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}

	return strings.Repeat("*", len(runes)-keepLast) + string(runes[len(runes)-keepLast:])
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "email", "user":
			masked[k] = MaskEmail(s)
		case "password":
			masked[k] = strings.Repeat("*", 8)
		case "access_key", "encryption_key", "token", "access_token", "authorization":
			masked[k] = MaskSecret(s)
		case "source", "url":
			masked[k] = MaskSource(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
