package format

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// SignatureCache remembers Gemini thought signatures. The backend requires
// a thoughtSignature on replayed tool calls, but most clients strip
// nonstandard fields, so signatures are stored when a response passes
// through and restored when the history comes back.
//
// Entries live in Redis when a client is configured, which lets several
// proxy instances share one pool of signatures. Without Redis a TTL'd
// in-memory map serves the same requests.
type SignatureCache struct {
	rdb *redis.Client

	mu       sync.Mutex
	tools    map[string]memoryEntry // tool_use_id -> signature
	families map[string]memoryEntry // signature digest -> model family
	now      func() time.Time
}

type memoryEntry struct {
	value   string
	savedAt time.Time
}

// NewSignatureCache creates a cache. rdb may be nil.
func NewSignatureCache(rdb *redis.Client) *SignatureCache {
	return &SignatureCache{
		rdb:      rdb,
		tools:    make(map[string]memoryEntry),
		families: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

// CacheToolSignature stores the signature for a tool_use id.
func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.rdb.Set(ctx, "agpool:sig:tool:"+toolUseID, signature, config.SignatureCacheTTL).Err(); err == nil {
			return
		}
	}
	c.mu.Lock()
	c.tools[toolUseID] = memoryEntry{value: signature, savedAt: c.now()}
	c.mu.Unlock()
}

// ToolSignature returns the cached signature for a tool_use id, or "".
func (c *SignatureCache) ToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if v, err := c.rdb.Get(ctx, "agpool:sig:tool:"+toolUseID).Result(); err == nil && v != "" {
			return v
		}
	}
	return c.fromMemory(c.tools, toolUseID)
}

// CacheSignatureFamily records which model family produced a thinking
// signature, so later requests can tell cross-model history apart.
func (c *SignatureCache) CacheSignatureFamily(signature, family string) {
	if len(signature) < config.MinSignatureLength || family == "" {
		return
	}
	key := signatureDigest(signature)
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.rdb.Set(ctx, "agpool:sig:family:"+key, family, config.SignatureCacheTTL).Err(); err == nil {
			return
		}
	}
	c.mu.Lock()
	c.families[key] = memoryEntry{value: family, savedAt: c.now()}
	c.mu.Unlock()
}

// SignatureFamily returns the recorded family for a signature, or "" when
// its origin is unknown.
func (c *SignatureCache) SignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	key := signatureDigest(signature)
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if v, err := c.rdb.Get(ctx, "agpool:sig:family:"+key).Result(); err == nil && v != "" {
			return v
		}
	}
	return c.fromMemory(c.families, key)
}

func (c *SignatureCache) fromMemory(m map[string]memoryEntry, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := m[key]
	if !ok {
		return ""
	}
	if c.now().Sub(entry.savedAt) > config.SignatureCacheTTL {
		delete(m, key)
		return ""
	}
	return entry.value
}

// Signatures run to kilobytes; keying by digest keeps them out of Redis
// key space.
func signatureDigest(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:16])
}
