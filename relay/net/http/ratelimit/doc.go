// Package ratelimit limits admin API traffic per client, optionally sharing
// counters across relay replicas through Redis.
package ratelimit
