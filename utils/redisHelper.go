package utils

import (
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_MINUTES"))
	if err != nil || lifespan <= 0 {
		lifespan = 5
	}
	return time.Duration(lifespan) * time.Minute
}

// CachedFetch returns the cached value under key, or calls load and caches the
// result. Redis being unavailable only disables the cache.
func CachedFetch[T any](key string, load func() (*T, error)) (*T, error) {
	var cached T
	if exists, err := config.GetRedisObject(key, &cached); err == nil && exists {
		return &cached, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(key, v, GetCacheLifespan())
	return v, nil
}

func ClearCache(keys ...string) error {
	return config.RemoveRedisKey(keys...)
}
