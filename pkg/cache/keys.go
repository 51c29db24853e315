package cache

import (
	"fmt"
	"time"
)

type CacheKey struct {
	Prefix string
	ID     string
}

func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// ResultCacheKey addresses the normalized result of a session
func ResultCacheKey(sessionID string) string {
	return CacheKey{Prefix: "result", ID: sessionID}.String()
}

// LatestCacheKey addresses a user's most recent completed analysis
func LatestCacheKey(userID string) string {
	return CacheKey{Prefix: "latest", ID: userID}.String()
}

// UploadCountKey counts uploads per user in a fixed window
func UploadCountKey(userID string, window time.Time) string {
	return fmt.Sprintf("uploads:%s:%d", userID, window.Unix())
}
