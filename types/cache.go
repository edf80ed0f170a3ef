package types

import (
	"time"
)

// CacheEntry is the unit stored by every cache backend. Data holds the
// caller's value already encoded.
type CacheEntry struct {
	Data       []byte   `json:"data"`
	Timestamp  int64    `json:"timestamp"`
	TTLSeconds int      `json:"ttl_seconds"`
	Tags       []string `json:"tags,omitempty"`
	ETag       string   `json:"etag,omitempty"`
}

func (e *CacheEntry) ExpiresAt() time.Time {
	return time.UnixMilli(e.Timestamp + int64(e.TTLSeconds)*1000)
}

func (e *CacheEntry) IsValid(now time.Time) bool {
	return now.UnixMilli() < e.Timestamp+int64(e.TTLSeconds)*1000
}
