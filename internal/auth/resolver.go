// Package auth resolves opaque bearer tokens to projects.
//
// Resolution is fail-closed: if the directory cannot confirm the key, the
// request is rejected. A short-TTL in-memory cache keeps the directory off
// the hot path for repeat callers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/database"
)

const (
	// cacheTTL bounds how long a revoked key can keep working.
	cacheTTL = 60 * time.Second

	// keyPrefixLen is how many characters of the raw token are kept for
	// display on usage rows.
	keyPrefixLen = 8
)

type cacheEntry struct {
	identity  *core.Identity
	expiresAt time.Time
}

// Resolver validates bearer tokens against the external directory.
type Resolver struct {
	directory database.Directory
	logger    *log.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewResolver creates a resolver backed by the given directory.
func NewResolver(directory database.Directory) *Resolver {
	r := &Resolver{
		directory: directory,
		logger:    log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		cache:     make(map[string]*cacheEntry),
	}
	go r.sweep()
	return r
}

// HashToken returns the hex SHA-256 of a raw bearer token. Tokens are never
// stored or logged in the clear.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseBearer extracts the token from an Authorization header value.
// Returns "" when the header is absent or malformed.
func ParseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Resolve maps a raw bearer token to the project identity it belongs to.
// Unknown, inactive, or unverifiable keys return an unauthorized error.
func (r *Resolver) Resolve(ctx context.Context, token string) (*core.Identity, error) {
	if token == "" {
		return nil, core.NewError(core.KindUnauthorized, "missing_api_key", "missing bearer token")
	}

	hash := HashToken(token)
	now := time.Now()

	// Fast path: cached identity under read lock.
	r.mu.RLock()
	entry, ok := r.cache[hash]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		r.touch(hash)
		return entry.identity, nil
	}

	key, err := r.directory.GetAPIKey(ctx, hash)
	if err != nil {
		// Auth does not fail open: a broken directory rejects the call.
		return nil, core.WrapError(core.KindUnauthorized, "key_lookup_failed", "could not verify API key", err)
	}
	if key == nil || !key.IsActive {
		return nil, core.NewError(core.KindUnauthorized, "invalid_api_key", "invalid or revoked API key")
	}

	project, err := r.directory.GetProject(ctx, key.ProjectID)
	if err != nil {
		return nil, core.WrapError(core.KindUnauthorized, "project_lookup_failed", "could not resolve project", err)
	}
	if project == nil {
		return nil, core.NewError(core.KindUnauthorized, "orphaned_key", "API key has no project")
	}

	prefix := key.KeyPrefix
	if prefix == "" && len(token) >= keyPrefixLen {
		prefix = token[:keyPrefixLen]
	}

	identity := &core.Identity{
		Project:   project,
		Limits:    core.LimitsFor(project.Plan),
		KeyPrefix: prefix,
	}

	r.mu.Lock()
	r.cache[hash] = &cacheEntry{identity: identity, expiresAt: now.Add(cacheTTL)}
	r.mu.Unlock()

	r.touch(hash)
	return identity, nil
}

// touch updates last_used_at without blocking the request.
func (r *Resolver) touch(hash string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.directory.TouchKey(ctx, hash); err != nil {
			r.logger.Printf("last_used_at touch failed: %v", err)
		}
	}()
}

// sweep periodically drops expired cache entries.
func (r *Resolver) sweep() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		r.mu.Lock()
		for hash, entry := range r.cache {
			if now.After(entry.expiresAt) {
				delete(r.cache, hash)
			}
		}
		r.mu.Unlock()
	}
}
