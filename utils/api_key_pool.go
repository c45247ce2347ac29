package utils

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoAvailableKeys is returned when every key is cooling down
var ErrNoAvailableKeys = errors.New("no available API keys")

// APIKeyPool rotates endpoint API keys and temporarily benches rejected ones.
// It implements oauth2.TokenSource so it can feed an oauth2.Transport.
type APIKeyPool struct {
	keys         []string
	usageCounts  map[string]int
	lastUsedTime map[string]time.Time
	blacklist    map[string]time.Time
	mu           sync.Mutex
}

// NewAPIKeyPool creates a new API key pool
func NewAPIKeyPool(keys []string) *APIKeyPool {
	if len(keys) == 0 {
		return nil
	}

	return &APIKeyPool{
		keys:         keys,
		usageCounts:  make(map[string]int),
		lastUsedTime: make(map[string]time.Time),
		blacklist:    make(map[string]time.Time),
	}
}

// GetRandomKey returns an available API key, preferring the least used ones
func (p *APIKeyPool) GetRandomKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cleanBlacklist()

	available := p.getAvailableKeys()
	if len(available) == 0 {
		return "", ErrNoAvailableKeys
	}

	minUsage := -1
	for _, key := range available {
		count := p.usageCounts[key]
		if minUsage == -1 || count < minUsage {
			minUsage = count
		}
	}

	candidates := make([]string, 0, len(available))
	for _, key := range available {
		if p.usageCounts[key] == minUsage {
			candidates = append(candidates, key)
		}
	}

	selectedKey := candidates[rand.Intn(len(candidates))]
	p.usageCounts[selectedKey]++
	p.lastUsedTime[selectedKey] = time.Now()

	return selectedKey, nil
}

// Token implements oauth2.TokenSource
func (p *APIKeyPool) Token() (*oauth2.Token, error) {
	key, err := p.GetRandomKey()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: key, TokenType: "Bearer"}, nil
}

// MarkSuccess lifts any cool-down on a key that was accepted
func (p *APIKeyPool) MarkSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blacklist, key)
}

// MarkFailed benches a key until retryAfter has elapsed
func (p *APIKeyPool) MarkFailed(key string, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blacklist[key] = time.Now().Add(retryAfter)
}

// Available returns the number of keys not cooling down
func (p *APIKeyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.getAvailableKeys())
}

// getAvailableKeys returns keys that are not blacklisted
// Must be called with lock held
func (p *APIKeyPool) getAvailableKeys() []string {
	available := make([]string, 0, len(p.keys))
	now := time.Now()

	for _, key := range p.keys {
		if expireTime, exists := p.blacklist[key]; exists && now.Before(expireTime) {
			continue
		}
		available = append(available, key)
	}

	return available
}

// cleanBlacklist removes expired entries from blacklist
// Must be called with lock held
func (p *APIKeyPool) cleanBlacklist() {
	now := time.Now()
	for key, expireTime := range p.blacklist {
		if now.After(expireTime) {
			delete(p.blacklist, key)
		}
	}
}
