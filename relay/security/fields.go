package security

import (
	"regexp"
	"strings"
	"unicode"
)

// Redacted replaces every sensitive value.
const Redacted = "[REDACTED]"

var defaultSensitiveFields = []string{
	"password",
	"passwd",
	"pwd",
	"token",
	"secret",
	"authorization",
	"auth",
	"credential",
	"credentials",
	"apikey",
	"api_key",
	"access_token",
	"refresh_token",
	"private_key",
	"secret_key",
	"signing_key",
	"client_secret",
	"session",
	"cookie",
}

// Tokens this short only match as a whole token, so "author" stays visible.
var exactTokens = map[string]bool{
	"auth": true,
	"pwd":  true,
}

var sensitiveFieldSet = func() map[string]bool {
	set := make(map[string]bool, len(defaultSensitiveFields))
	for _, field := range defaultSensitiveFields {
		set[field] = true
	}

	return set
}()

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// DefaultSensitiveFields returns a copy of the built-in field list.
func DefaultSensitiveFields() []string {
	return append([]string(nil), defaultSensitiveFields...)
}

// snakeCase turns camelCase and PascalCase names into lowercase
// underscore-delimited tokens: "sessionToken" becomes "session_token" and
// "APIKey" becomes "api_key".
func snakeCase(name string) string {
	var b strings.Builder

	runes := []rune(name)

	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}

		b.WriteRune(r)
	}

	return strings.ToLower(b.String())
}

// IsSensitiveField reports whether a field or header name carries secrets.
// Matching is case-insensitive, understands camelCase, and requires each
// listed name to appear on token boundaries.
func IsSensitiveField(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	normalized := snakeCase(name)
	if sensitiveFieldSet[strings.ToLower(name)] || sensitiveFieldSet[normalized] {
		return true
	}

	tokens := tokenSplit.Split(normalized, -1)
	joined := strings.Join(tokens, "_")

	for _, field := range defaultSensitiveFields {
		if exactTokens[field] {
			for _, token := range tokens {
				if token == field {
					return true
				}
			}

			continue
		}

		if containsOnBoundary(joined, field) {
			return true
		}
	}

	return false
}

// containsOnBoundary reports whether pattern occurs in field delimited by
// '_' or the string edges.
func containsOnBoundary(field, pattern string) bool {
	for offset := 0; offset < len(field); {
		idx := strings.Index(field[offset:], pattern)
		if idx < 0 {
			return false
		}

		start := offset + idx
		end := start + len(pattern)

		if (start == 0 || field[start-1] == '_') && (end == len(field) || field[end] == '_') {
			return true
		}

		offset = start + 1
	}

	return false
}

// assignmentPattern matches the name and separator of name=value,
// name: value and "name":"value". The value is cut by hand so a value never
// hides the next name from the scan.
var assignmentPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_.\-]*)"?\s*[:=]\s*"?`)

const valueTerminators = " \t\r\n,;&\""

// RedactAssignments replaces the value of every assignment in text whose
// name is sensitive.
func RedactAssignments(text string) string {
	matches := assignmentPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder

	last := 0

	for _, match := range matches {
		if match[0] < last || !IsSensitiveField(text[match[2]:match[3]]) {
			continue
		}

		start := match[1]

		end := len(text)
		if idx := strings.IndexAny(text[start:], valueTerminators); idx >= 0 {
			end = start + idx
		}

		if end == start || text[start:end] == Redacted {
			continue
		}

		b.WriteString(text[last:start])
		b.WriteString(Redacted)

		last = end
	}

	if last == 0 {
		return text
	}

	b.WriteString(text[last:])

	return b.String()
}
