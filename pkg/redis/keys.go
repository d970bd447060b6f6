// Package redis holds the key naming convention and the small lock helpers
// the engine uses. Every key lives under the "promo:" prefix so one redis
// instance can be shared with neighbours.
package redis

import "fmt"

// ResolveCacheKey caches the resolver result for a normalized code.
func ResolveCacheKey(normalizedCode string) string {
	return fmt.Sprintf("promo:resolve:%s", normalizedCode)
}

// SweepLockKey guards one reaper sweep cycle.
func SweepLockKey() string {
	return "promo:reaper:sweep_lock"
}
