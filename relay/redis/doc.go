// Package redis provides a Redis client wrapper with lazy reconnection and a
// redsync-based distributed lock manager.
//
// The relay uses the client for its Redis Streams transport and the lock
// manager to keep scheduled maintenance work single-instance.
package redis
