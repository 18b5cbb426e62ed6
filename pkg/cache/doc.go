// Package cache provides the shared key-value cache used by the storefront
// services and by the rate limiter.
//
// The package is split in two layers:
//
//   - Store is a raw byte-level driver. RedisStore talks to Redis over a
//     pooled connection, RESTStore speaks the JSON command protocol of
//     serverless Redis providers over HTTPS, Disabled rejects everything.
//   - Service implements the Cache interface on top of a Store. It derives
//     keys, wraps values in an envelope, keeps the tag reverse index and
//     counts hits and misses.
//
// Every Cache operation is fail-open. A backend outage degrades to misses
// and false results; it never surfaces as an error to the request path.
//
// # Basic Usage
//
//	store, err := cache.NewStore(ctx, cache.StoreConfig{
//		Redis: cache.RedisConfig{URL: "redis://localhost:6379/0"},
//	}, logger)
//	if err != nil {
//		logger.Warn().Err(err).Msg("Cache unavailable, running degraded")
//	}
//	svc := cache.NewService(store, logger)
//
//	var products []Product
//	if !svc.Get(ctx, "products:list:page=1", &products) {
//		products = loadProducts()
//		svc.Set(ctx, "products:list:page=1", products,
//			cache.WithTTL(time.Minute),
//			cache.WithTags(cache.ProductTags()...))
//	}
//
// # Keys
//
// A raw key is hashed with SHA-256 and truncated to 16 hex characters, then
// prefixed with the namespace: "storefront:3f2a9c1b0d8e7f65". Tag index sets
// live under "tag:<label>" and are not prefixed.
//
// # Envelope
//
// Values are stored as {"data":...,"timestamp":<ms>,"ttl":<s>,"tags":[...]}.
// The store-native TTL is the primary expiry; the envelope timestamp is
// checked again on read so entries from stores with lax expiry are dropped.
// Counters written by Increment are plain integers and are read as such.
//
// # Metrics
//
//   - storefront_cache_hits_total{backend}
//   - storefront_cache_misses_total{backend}
//   - storefront_cache_errors_total{backend,operation}
//   - storefront_cache_invalidated_keys_total{kind}
//   - storefront_cache_connected{backend}
package cache
