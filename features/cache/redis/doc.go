// Package redis implements the cache.Cache contract on Redis.
//
// Values are stored as plain strings with PX expiry. Locks use SET NX PX with
// a random owner token and are released through a Lua compare-and-delete so a
// holder whose record expired can never delete a successor's lock. Every
// Redis failure other than a missing key is wrapped with cache.ErrUnavailable.
//
// Create a cache from an existing go-redis client:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c, err := rediscache.New(rdb, rediscache.Options{Timeout: time.Second})
package redis
