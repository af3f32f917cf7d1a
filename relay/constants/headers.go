package constant

const (
	// HeaderID is the request correlation header.
	HeaderID = "X-Request-Id"
	// HeaderUserAgent is the HTTP User-Agent header key.
	HeaderUserAgent = "User-Agent"
	// HeaderReferer is the HTTP Referer header key.
	HeaderReferer = "Referer"
	// HeaderRealIP is the upstream real client IP header key.
	HeaderRealIP = "X-Real-Ip"
	// HeaderForwardedFor is the X-Forwarded-For header key.
	HeaderForwardedFor = "X-Forwarded-For"
	// Authorization is the HTTP Authorization header key.
	Authorization = "Authorization"
	// Basic is the HTTP Basic auth scheme token.
	Basic = "Basic"
	// WWWAuthenticate is the HTTP WWW-Authenticate header key.
	WWWAuthenticate = "WWW-Authenticate"

	// RateLimitLimit is the header containing the configured request quota.
	RateLimitLimit = "X-RateLimit-Limit"
	// RateLimitRemaining is the header containing remaining requests in the current window.
	RateLimitRemaining = "X-RateLimit-Remaining"
	// RateLimitReset is the header containing the reset time for the current window.
	RateLimitReset = "X-RateLimit-Reset"
)

// DefaultErrorTitle is the error title used when a failure has no better one.
const DefaultErrorTitle = "request_failed"

// LoggerDefaultSeparator separates the request ID prefix from log messages.
const LoggerDefaultSeparator = " | "
