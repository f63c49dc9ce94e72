package gateway

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultDedupTTL is how long a sender:payload pair suppresses repeats.
const DefaultDedupTTL = 300 * time.Second

// DedupCache suppresses near simultaneous redelivery of the same text from
// the same sender. A zero TTL disables it.
type DedupCache struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		return &DedupCache{}
	}
	return &DedupCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Start runs the expiry sweep until Stop is called.
func (d *DedupCache) Start() {
	if d.cache != nil {
		go d.cache.Start()
	}
}

func (d *DedupCache) Stop() {
	if d.cache != nil {
		d.cache.Stop()
	}
}

// Seen records sender:payload and reports whether it was already present.
func (d *DedupCache) Seen(sender, payload string) bool {
	if d == nil || d.cache == nil {
		return false
	}
	_, found := d.cache.GetOrSet(dedupKey(sender, payload), struct{}{})
	return found
}

func (d *DedupCache) Len() int {
	if d == nil || d.cache == nil {
		return 0
	}
	return d.cache.Len()
}

func dedupKey(sender, payload string) string {
	return sender + ":" + payload
}
