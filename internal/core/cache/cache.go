// Package cache holds addresses resolved during a session so they can be
// looked up by name without rescanning the host image.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is an instance of a key-value store with contents specific to
// each instance and are not shared between instances. Entries never expire
// since resolved addresses are only valid for the life of the process.
type Cache struct {
	cacheInstance *gocache.Cache
}

func New() *Cache {
	return &Cache{cacheInstance: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// PutAddress records the address resolved for key.
func (c *Cache) PutAddress(key string, addr uintptr) {
	c.cacheInstance.Set(key, addr, gocache.NoExpiration)
}

// Address fetches an address from the cache, returning the value as well as
// whether or not it was found (semantics similar to map).
func (c *Cache) Address(key string) (uintptr, bool) {
	v, ok := c.cacheInstance.Get(key)
	if !ok {
		return 0, false
	}
	addr, ok := v.(uintptr)
	return addr, ok
}

// Delete forgets key, e.g. when a captured address goes stale.
func (c *Cache) Delete(key string) {
	c.cacheInstance.Delete(key)
}

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	return c.cacheInstance.ItemCount()
}
