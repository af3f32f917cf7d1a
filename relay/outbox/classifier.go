package outbox

import (
	"strings"
)

// Classification is the retry class of a delivery error.
type Classification int

const (
	// ClassTransient errors retry on the normal schedule.
	ClassTransient Classification = iota
	// ClassNonTransient errors are poison and end retries immediately.
	ClassNonTransient
	// ClassAlwaysTransient errors keep retrying past the early dead-letter
	// threshold. Only MaxRetries stops them.
	ClassAlwaysTransient
)

// String returns the class name used in logs and span attributes.
func (class Classification) String() string {
	switch class {
	case ClassNonTransient:
		return "non_transient"
	case ClassAlwaysTransient:
		return "always_transient"
	default:
		return "transient"
	}
}

// DefaultNonTransientMarkers are error fragments that mean retrying cannot help.
func DefaultNonTransientMarkers() []string {
	return []string{"validation", "schema", "malformed", "unmarshal", ErrHandlerNotRegistered.Error()}
}

// DefaultAlwaysTransientMarkers are error fragments that always deserve a retry.
func DefaultAlwaysTransientMarkers() []string {
	return []string{"timeout", "temporarily unavailable", "circuit breaker open", "connection refused"}
}

// MarkerClassifier classifies error text by case-insensitive substring
// markers. AlwaysTransient markers win over NonTransient ones.
type MarkerClassifier struct {
	NonTransient    []string
	AlwaysTransient []string
}

// DefaultMarkerClassifier uses the default marker lists.
func DefaultMarkerClassifier() MarkerClassifier {
	return MarkerClassifier{
		NonTransient:    DefaultNonTransientMarkers(),
		AlwaysTransient: DefaultAlwaysTransientMarkers(),
	}
}

// Classify returns the class of text.
func (classifier MarkerClassifier) Classify(text string) Classification {
	lowered := strings.ToLower(text)

	if containsAnyMarker(lowered, classifier.AlwaysTransient) {
		return ClassAlwaysTransient
	}

	if containsAnyMarker(lowered, classifier.NonTransient) {
		return ClassNonTransient
	}

	return ClassTransient
}

// IsNonRetryable satisfies RetryClassifier.
func (classifier MarkerClassifier) IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	return classifier.Classify(err.Error()) == ClassNonTransient
}

func containsAnyMarker(lowered string, markers []string) bool {
	for _, marker := range markers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(lowered, marker) {
			return true
		}
	}

	return false
}

func normalizeMarkers(markers []string) []string {
	out := make([]string, 0, len(markers))

	for _, marker := range markers {
		if trimmed := strings.TrimSpace(marker); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

// RetryClassifier reports errors that must not be retried. It complements
// marker matching with typed checks such as errors.Is.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
