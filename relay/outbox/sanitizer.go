package outbox

import (
	"regexp"
	"strings"

	"github.com/LerianStudio/workflow-relay/relay/security"
)

// DefaultMaxErrorTextLength caps the persisted Error column, in runes.
const DefaultMaxErrorTextLength = 512

const (
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = security.Redacted
)

// Broker and driver errors routinely echo URLs and auth headers. These shapes
// carry no "name=value" structure, so security.RedactAssignments misses them.
var (
	urlCredentials = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`)
	bearerToken    = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`)
	basicAuth      = regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`)
	jwtToken       = regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`)
	awsAccessKeyID = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
	emailAddress   = regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`)
	cardCandidate  = regexp.MustCompile(`\b\d{12,19}\b`)
)

// SanitizeErrorText redacts credentials, tokens, e-mail addresses and card
// numbers from msg and truncates the result to maxRunes. A non-positive
// maxRunes uses DefaultMaxErrorTextLength.
func SanitizeErrorText(msg string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxErrorTextLength
	}

	return truncateRunes(redactSensitiveData(strings.TrimSpace(msg)), maxRunes)
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorText(err.Error(), DefaultMaxErrorTextLength)
}

func redactSensitiveData(msg string) string {
	msg = urlCredentials.ReplaceAllString(msg, `$1:`+redactedValue+`@`)
	msg = bearerToken.ReplaceAllString(msg, "Bearer "+redactedValue)
	msg = basicAuth.ReplaceAllString(msg, `$1`+redactedValue)
	msg = jwtToken.ReplaceAllString(msg, redactedValue)
	msg = awsAccessKeyID.ReplaceAllString(msg, redactedValue)
	msg = emailAddress.ReplaceAllString(msg, redactedValue)
	msg = security.RedactAssignments(msg)

	return cardCandidate.ReplaceAllStringFunc(msg, func(digits string) string {
		if luhnValid(digits) {
			return redactedValue
		}

		return digits
	})
}

// luhnValid expects an all-digit string, which cardCandidate guarantees.
func luhnValid(digits string) bool {
	sum := 0

	for i := range len(digits) {
		digit := int(digits[len(digits)-1-i] - '0')

		if i%2 == 1 {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
	}

	return sum%10 == 0
}

func truncateRunes(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffix := []rune(errorTruncatedSuffix)
	if maxRunes <= len(suffix) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffix)]) + errorTruncatedSuffix
}
