// Package rabbitmq provides the AMQP connection, publisher-confirm channel
// wrapper, and exchange topology used by the relay's AMQP transport.
//
// Connection strings are redacted from every error and log line it emits.
package rabbitmq
