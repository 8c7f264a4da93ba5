package cache

import (
	"fmt"
	"time"
)

// Per-namespace TTL presets.
var namespaceTTLs = map[string]time.Duration{
	"character":          24 * time.Hour,
	"corporation":        24 * time.Hour,
	"alliance":           24 * time.Hour,
	"universe_type":      24 * time.Hour,
	"map_data":           time.Hour,
	"system":             time.Hour,
	"item_price":         6 * time.Hour,
	"killmail":           30 * time.Minute,
	"license":            20 * time.Minute,
	"notification_dedup": 30 * time.Minute,
	"health_check":       time.Second,
}

// TTLFor returns the preset TTL for a namespace, or the default TTL when the
// namespace has no preset.
func TTLFor(namespace string) time.Duration {
	if ttl, ok := namespaceTTLs[namespace]; ok {
		return ttl
	}
	return DefaultTTL
}

// Key joins a namespace and subkey parts into a cache key.
func Key(namespace string, parts ...string) string {
	key := namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// DedupType tags a deduplicated notification identifier.
type DedupType string

const (
	DedupSystem    DedupType = "system"
	DedupCharacter DedupType = "character"
	DedupKillmail  DedupType = "killmail"
)

func dedupKey(t DedupType, id string) string {
	return fmt.Sprintf("notification_dedup:%s:%s", t, id)
}

func dedupTTL(t DedupType) time.Duration {
	if t == DedupKillmail {
		return TTLFor("killmail")
	}
	return TTLFor("notification_dedup")
}

// CheckAndMark reports whether the tagged identifier is new, marking it as
// seen in the same step. It returns true only when the key was absent and has
// just been written.
func (c *Cache) CheckAndMark(t DedupType, id string) bool {
	key := dedupKey(t, id)
	stripe := &c.stripes[stripeFor(key)]
	stripe.Lock()
	defer stripe.Unlock()

	if c.Exists(key) {
		return false
	}
	c.Put(key, true, dedupTTL(t))
	return true
}

// ClearDedup removes a dedup mark, primarily for tests and manual resets.
func (c *Cache) ClearDedup(t DedupType, id string) {
	c.Delete(dedupKey(t, id))
}
