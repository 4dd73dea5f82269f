// Package redis manages the Redis connections used by the eventq Redis transport.
//
// A ConnectionManager owns three independent clients built from one set of
// options: a general client for promotion, statistics and operator tooling, a
// publish client for writes and a subscribe client for blocking pops and
// pattern subscriptions. A health monitor pings the server and reports
// connectivity changes to registered listeners.
package redis
