package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrURLRequired is returned by Connect when no connection string is configured.
	ErrURLRequired = errors.New("rabbitmq connection url is required")
	// ErrNotConnected is returned when a channel is requested before Connect.
	ErrNotConnected = errors.New("rabbitmq connection is not established")
)

// Connection owns one AMQP connection and hands out dedicated channels.
type Connection struct {
	URL    string `json:"-"`
	Logger libLog.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	dial        func(string) (*amqp.Connection, error)
	openChannel func(*amqp.Connection) (ConfirmableChannel, error)
}

// Connect dials the broker once. It is a no-op while an open connection exists.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	_, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	if strings.TrimSpace(rc.URL) == "" {
		return ErrURLRequired
	}

	logger := rc.logger()
	logger.Log(ctx, libLog.LevelInfo, "connecting to rabbitmq")

	conn, err := rc.dialer()(rc.URL)
	if err != nil {
		sanitized := newSanitizedError(err, rc.URL, "failed to connect to rabbitmq")

		logger.Log(ctx, libLog.LevelError, "failed to connect to rabbitmq", libLog.String("error_detail", sanitized.Error()))
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

		return sanitized
	}

	rc.conn = conn

	logger.Log(ctx, libLog.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a fresh channel on the current connection, reconnecting
// first when the connection was lost. Each publisher must own its channel.
func (rc *Connection) Channel(ctx context.Context) (ConfirmableChannel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	open := rc.openChannel
	if open == nil {
		open = func(conn *amqp.Connection) (ConfirmableChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}

			return ch, nil
		}
	}

	ch, err := open(conn)
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// DeclareTopology opens a short-lived channel and declares the exchange
// topology described by cfg on it.
func (rc *Connection) DeclareTopology(ctx context.Context, cfg TopologyConfig) error {
	if rc == nil {
		return ErrNilConnection
	}

	if err := rc.Connect(ctx); err != nil {
		return err
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq topology channel: %w", err)
	}

	defer func() { _ = ch.Close() }()

	return DeclareTopology(ch, cfg)
}

// ChannelProvider adapts Channel to the publisher's recovery hook.
func (rc *Connection) ChannelProvider(ctx context.Context) ChannelProvider {
	return func() (ConfirmableChannel, error) {
		return rc.Channel(ctx)
	}
}

// IsConnected reports whether an open connection exists.
func (rc *Connection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.conn != nil && !rc.conn.IsClosed()
}

// Close closes the connection and every channel opened on it.
func (rc *Connection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		rc.logger().Log(context.Background(), libLog.LevelWarn, "failed to close rabbitmq connection", libLog.Err(err))

		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

func (rc *Connection) dialer() func(string) (*amqp.Connection, error) {
	if rc.dial != nil {
		return rc.dial
	}

	return amqp.Dial
}

func (rc *Connection) logger() libLog.Logger {
	if rc == nil || nilcheck.Interface(rc.Logger) {
		return libLog.NewNop()
	}

	return rc.Logger
}

type sanitizedError struct {
	original error
	message  string
}

// Error returns the sanitized message.
func (e *sanitizedError) Error() string { return e.message }

// Unwrap returns the original wrapped error.
func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with a prefix and the connection string redacted.
func newSanitizedError(err error, connectionString, prefix string) error {
	return &sanitizedError{
		original: err,
		message:  prefix + ": " + sanitizeAMQPErr(err, connectionString),
	}
}

// sanitizeAMQPErr removes the connection string and its password from err's text.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := strings.ReplaceAll(err.Error(), connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string.
// An empty vhost selects the default vhost "/". Credentials and vhost are
// escaped, and bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhost names may contain '/', which must travel as %2F.
		escapedVHost := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
