package http

import (
	"strconv"
	"strings"
	"time"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	cn "github.com/LerianStudio/workflow-relay/relay/constants"
	"github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestInfo holds access log data for one request.
type RequestInfo struct {
	Method        string
	URI           string
	Referer       string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	TraceID       string
	Protocol      string
	Size          int
}

// NewRequestInfo captures the request side of an access log entry.
func NewRequestInfo(c *fiber.Ctx) *RequestInfo {
	referer := "-"
	if value := c.Get(cn.HeaderReferer); value != "" {
		referer = value
	}

	return &RequestInfo{
		TraceID:       c.Get(cn.HeaderID),
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Referer:       referer,
		UserAgent:     c.Get(cn.HeaderUserAgent),
		RemoteAddress: c.IP(),
		Protocol:      c.Protocol(),
		Date:          time.Now().UTC(),
	}
}

// CLFString renders the entry in Common Log Format.
func (r *RequestInfo) CLFString() string {
	return strings.Join([]string{
		r.RemoteAddress,
		"-",
		"-",
		r.Protocol,
		r.Date.Format("[02/Jan/2006:15:04:05 -0700]"),
		`"` + r.Method + " " + r.URI + `"`,
		strconv.Itoa(r.Status),
		strconv.Itoa(r.Size),
		r.Referer,
		r.UserAgent,
	}, " ")
}

// String implements fmt.Stringer.
func (r *RequestInfo) String() string {
	return r.CLFString()
}

// finish records the response side of the entry.
func (r *RequestInfo) finish(c *fiber.Ctx) {
	r.Duration = time.Since(r.Date)
	r.Status = c.Response().StatusCode()
	r.Size = len(c.Response().Body())
}

type logMiddleware struct {
	Logger    log.Logger
	skipPaths map[string]struct{}
}

// LogMiddlewareOption configures WithHTTPLogging.
type LogMiddlewareOption func(l *logMiddleware)

// WithCustomLogger sets the access logger.
func WithCustomLogger(logger log.Logger) LogMiddlewareOption {
	return func(l *logMiddleware) {
		if logger != nil {
			l.Logger = logger
		}
	}
}

// WithSkipPaths excludes probe endpoints from access logs.
func WithSkipPaths(paths ...string) LogMiddlewareOption {
	return func(l *logMiddleware) {
		for _, path := range paths {
			l.skipPaths[path] = struct{}{}
		}
	}
}

func buildOpts(opts ...LogMiddlewareOption) *logMiddleware {
	mid := &logMiddleware{
		Logger:    log.NewNop(),
		skipPaths: map[string]struct{}{},
	}

	for _, opt := range opts {
		opt(mid)
	}

	return mid
}

// WithHTTPLogging assigns a request ID, attaches a request-scoped logger to
// the user context and writes one access log line per request.
func WithHTTPLogging(opts ...LogMiddlewareOption) fiber.Handler {
	mid := buildOpts(opts...)

	return func(c *fiber.Ctx) error {
		if _, skip := mid.skipPaths[c.Path()]; skip {
			return c.Next()
		}

		headerID := setRequestHeaderID(c)
		info := NewRequestInfo(c)

		logger := mid.Logger.With(log.String(cn.HeaderID, headerID))
		c.SetUserContext(libCommons.ContextWithLogger(c.UserContext(), logger))

		err := c.Next()

		info.finish(c)

		logger.Log(c.UserContext(), log.LevelInfo, info.CLFString(),
			log.Int("status", info.Status),
			log.Duration("duration", info.Duration),
		)

		return err
	}
}

func setRequestHeaderID(c *fiber.Ctx) string {
	headerID := strings.TrimSpace(c.Get(cn.HeaderID))

	if headerID == "" {
		headerID = uuid.NewString()
		c.Request().Header.Set(cn.HeaderID, headerID)
	}

	c.Set(cn.HeaderID, headerID)
	c.SetUserContext(libCommons.ContextWithHeaderID(c.UserContext(), headerID))

	return headerID
}
