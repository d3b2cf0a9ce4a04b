// Package cacheutil holds the read-through cache helper shared by the
// price oracle's quote memory and the pricing layer's reseller-percent
// cache. Both sit on hot paths where a stampede of concurrent misses
// must collapse into a single upstream fetch.
package cacheutil

import (
	"sync"
	"time"
)

// CachedValue pairs a value with the time it was fetched. Expiry is the
// caller's policy; this package never ages entries itself.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough serves a value from cache, fetching on miss under the
// write lock. checkCache runs under RLock with the current time;
// fetchAndCache runs under Lock and must store what it returns.
//
// The cache is re-checked after lock promotion with a fresh timestamp:
// another goroutine may have filled it between RUnlock and Lock, and
// reusing the pre-lock time would misjudge a just-written entry as
// expired.
//
//	func (s *Service) ResellerPercent(ctx context.Context, userID int64, productType string) decimal.Decimal {
//	    pct, _ := cacheutil.ReadThrough(&s.mu,
//	        func(now time.Time) (decimal.Decimal, bool) {
//	            if entry, ok := s.resellers[key]; ok && now.Sub(entry.FetchedAt) < ttl {
//	                return entry.Value, true
//	            }
//	            return decimal.Decimal{}, false
//	        },
//	        func(now time.Time) (decimal.Decimal, error) {
//	            pct := s.lookup(ctx, userID, productType)
//	            s.resellers[key] = cacheutil.CachedValue[decimal.Decimal]{Value: pct, FetchedAt: now}
//	            return pct, nil
//	        },
//	    )
//	    return pct
//	}
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}
