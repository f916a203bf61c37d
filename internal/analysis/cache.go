package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"
)

// Cache is a byte store with TTL. ok=false on miss.
type Cache interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// CachedGateway serves repeated identical requests from Cache. Cache
// failures are logged and fall through to the wrapped gateway.
type CachedGateway struct {
	next  Gateway
	cache Cache
	ttl   time.Duration
}

func NewCachedGateway(next Gateway, cache Cache, ttl time.Duration) *CachedGateway {
	return &CachedGateway{next: next, cache: cache, ttl: ttl}
}

func CacheKey(req Request) string {
	h := sha256.New()
	var n [8]byte
	for _, part := range [][]byte{[]byte(req.Code), []byte(req.Logs), req.Image} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return "analysis:" + hex.EncodeToString(h.Sum(nil))
}

func (g *CachedGateway) Analyze(ctx context.Context, req Request) (*Result, error) {
	key := CacheKey(req)

	if b, ok, err := g.cache.Get(ctx, key); err != nil {
		log.Printf("[AnalysisCache] get failed key=%s err=%v", key, err)
	} else if ok {
		var r Result
		if err := json.Unmarshal(b, &r); err == nil {
			return &r, nil
		}
	}

	res, err := g.next.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(res); err == nil {
		if err := g.cache.Set(ctx, key, b, g.ttl); err != nil {
			log.Printf("[AnalysisCache] set failed key=%s err=%v", key, err)
		}
	}
	return res, nil
}
