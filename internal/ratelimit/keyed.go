// Package ratelimit provides per-key token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/allaunyc/college-selection-bot/internal/metrics"
)

// KeyedConfig configures a KeyedLimiter instance.
type KeyedConfig struct {
	// Name identifies this limiter for metrics (e.g., "user").
	Name string

	// Token bucket settings
	Burst      int     // Maximum tokens (burst capacity)
	RefillRate float64 // Tokens refilled per second

	// How often idle limiters are dropped. Zero disables cleanup.
	CleanupPeriod time.Duration

	// Optional metrics reporter
	Metrics *metrics.Metrics
}

// KeyedLimiter tracks rate limits per key (e.g., LINE user ID).
// It creates a separate token bucket for each key and drops buckets that
// have refilled completely, since a full bucket behaves like a new one.
type KeyedLimiter struct {
	mu       sync.Mutex
	entries  map[string]*rate.Limiter
	config   KeyedConfig
	onDrop   func()
	onUpdate func(count int)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeyedLimiter creates a new per-key rate limiter. Call Stop when done.
//
//	limiter := NewKeyedLimiter(KeyedConfig{
//	    Name:          "user",
//	    Burst:         10,
//	    RefillRate:    0.5, // 1 token per 2 seconds
//	    CleanupPeriod: 5 * time.Minute,
//	})
//	defer limiter.Stop()
func NewKeyedLimiter(cfg KeyedConfig) *KeyedLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	kl := &KeyedLimiter{
		entries: make(map[string]*rate.Limiter),
		config:  cfg,
		stopCh:  make(chan struct{}),
	}

	if cfg.Metrics != nil {
		kl.onDrop = func() {
			cfg.Metrics.RecordRateLimiterDrop(cfg.Name)
		}
		kl.onUpdate = cfg.Metrics.SetRateLimiterUsers
	}

	if cfg.CleanupPeriod > 0 {
		go kl.cleanupLoop()
	}
	return kl
}

// Allow reports whether a request for key may proceed and consumes a token
// when it does. An empty key is never limited.
func (kl *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	if kl.limiter(key).Allow() {
		return true
	}
	if kl.onDrop != nil {
		kl.onDrop()
	}
	return false
}

// Available returns the tokens currently left for key.
func (kl *KeyedLimiter) Available(key string) float64 {
	kl.mu.Lock()
	l, ok := kl.entries[key]
	kl.mu.Unlock()
	if !ok {
		return float64(kl.config.Burst)
	}
	return l.Tokens()
}

// ActiveCount returns the number of tracked keys.
func (kl *KeyedLimiter) ActiveCount() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}

func (kl *KeyedLimiter) limiter(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	l, ok := kl.entries[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(kl.config.RefillRate), kl.config.Burst)
		kl.entries[key] = l
	}
	return l
}

// cleanup removes limiters whose bucket is full again and returns how many
// remain.
func (kl *KeyedLimiter) cleanup() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	burst := float64(kl.config.Burst)
	for key, l := range kl.entries {
		if l.Tokens() >= burst {
			delete(kl.entries, key)
		}
	}
	return len(kl.entries)
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			count := kl.cleanup()
			if kl.onUpdate != nil {
				kl.onUpdate(count)
			}
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}
