package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
)

// CachedToken is an access token with its usable-until instant. ExpiresAt
// already has the safety margin subtracted.
type CachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the token is still usable at now.
func (t *CachedToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt)
}

// ExchangeFunc performs a refresh-token → access-token exchange.
type ExchangeFunc func(ctx context.Context, compositeRefresh string) (*RefreshResult, error)

// Broker exchanges refresh tokens for access tokens, caching them until
// shortly before expiry. Concurrent requests for the same refresh token
// collapse into a single upstream exchange.
type Broker struct {
	mu    sync.RWMutex
	cache map[string]CachedToken

	group    singleflight.Group
	exchange ExchangeFunc
	now      func() time.Time

	// Optional shared cache so multiple local instances reuse exchanges.
	// Nil disables it; errors are logged and ignored.
	rdb *redis.Client
	log zerolog.Logger
}

// NewBroker creates a token broker. rdb may be nil.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{
		cache:    make(map[string]CachedToken),
		exchange: RefreshAccessToken,
		now:      time.Now,
		rdb:      rdb,
		log:      logging.For("TokenBroker"),
	}
}

// TokenFor returns a valid access token for the given composite refresh
// token, exchanging if the cached one is missing or expiring.
func (b *Broker) TokenFor(ctx context.Context, compositeRefresh string) (string, error) {
	if tok, ok := b.cached(compositeRefresh); ok {
		return tok.Token, nil
	}

	v, err, _ := b.group.Do(cacheKey(compositeRefresh), func() (interface{}, error) {
		// Another caller may have filled the cache while we waited on
		// the flight gate.
		if tok, ok := b.cached(compositeRefresh); ok {
			return tok.Token, nil
		}
		if tok, ok := b.fromRedis(ctx, compositeRefresh); ok {
			b.store(compositeRefresh, tok)
			return tok.Token, nil
		}

		exCtx, cancel := context.WithTimeout(ctx, config.TokenExchangeTimeout)
		defer cancel()

		result, err := b.exchange(exCtx, compositeRefresh)
		if err != nil {
			if proxyerr.IsKind(err, proxyerr.KindAuthInvalidGrant) {
				b.Invalidate(compositeRefresh)
			}
			return nil, err
		}

		tok := CachedToken{
			Token:     result.AccessToken,
			ExpiresAt: b.now().Add(time.Duration(result.ExpiresIn)*time.Second - config.TokenSafetyMargin),
		}
		b.store(compositeRefresh, tok)
		b.toRedis(ctx, compositeRefresh, tok)
		return tok.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops any cached token for the given refresh token.
func (b *Broker) Invalidate(compositeRefresh string) {
	key := cacheKey(compositeRefresh)
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()

	if b.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
			b.log.Debug().Err(err).Msg("redis invalidate failed")
		}
	}
}

func (b *Broker) cached(compositeRefresh string) (CachedToken, bool) {
	b.mu.RLock()
	tok, ok := b.cache[cacheKey(compositeRefresh)]
	b.mu.RUnlock()
	if ok && tok.Valid(b.now()) {
		return tok, true
	}
	return CachedToken{}, false
}

func (b *Broker) store(compositeRefresh string, tok CachedToken) {
	b.mu.Lock()
	b.cache[cacheKey(compositeRefresh)] = tok
	b.mu.Unlock()
}

func (b *Broker) fromRedis(ctx context.Context, compositeRefresh string) (CachedToken, bool) {
	if b.rdb == nil {
		return CachedToken{}, false
	}
	data, err := b.rdb.Get(ctx, redisKey(cacheKey(compositeRefresh))).Bytes()
	if err != nil {
		if err != redis.Nil {
			b.log.Debug().Err(err).Msg("redis read failed")
		}
		return CachedToken{}, false
	}
	var tok CachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return CachedToken{}, false
	}
	if !tok.Valid(b.now()) {
		return CachedToken{}, false
	}
	return tok, true
}

func (b *Broker) toRedis(ctx context.Context, compositeRefresh string, tok CachedToken) {
	if b.rdb == nil {
		return
	}
	ttl := tok.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return
	}
	data, _ := json.Marshal(tok)
	if err := b.rdb.Set(ctx, redisKey(cacheKey(compositeRefresh)), data, ttl).Err(); err != nil {
		b.log.Debug().Err(err).Msg("redis write failed")
	}
}

// cacheKey hashes the refresh token so raw credentials never appear in
// cache keys or logs.
func cacheKey(compositeRefresh string) string {
	sum := sha256.Sum256([]byte(compositeRefresh))
	return hex.EncodeToString(sum[:16])
}

func redisKey(key string) string {
	return "agpool:token:" + key
}
