package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
)

// Router resolves the destination of each source key: the explicit map
// first, then the list aligned with the key order, then the default.
type Router struct {
	routes map[string]string

	mu     sync.RWMutex
	stores map[string]Store
}

// NewRouter computes a route for every key. A key without any destination
// is a fatal configuration error.
func NewRouter(cfg config.StorageConfig, keys []string) (*Router, error) {
	explicit := make(map[string]string, len(cfg.Destinations))
	for k, v := range cfg.Destinations {
		// the config loader lowercases map keys
		explicit[strings.ToLower(k)] = v
	}

	r := &Router{routes: make(map[string]string, len(keys)), stores: make(map[string]Store)}
	for i, key := range keys {
		dest := explicit[strings.ToLower(key)]
		if dest == "" && i < len(cfg.DestinationList) {
			dest = cfg.DestinationList[i]
		}
		if dest == "" {
			dest = cfg.DefaultDestination
		}
		if dest == "" {
			return nil, errors.WrapFatal(fmt.Errorf("%w: no destination for key %q", errors.ErrInvalidConfig, key),
				"Router", "NewRouter", "resolve destinations")
		}
		r.routes[key] = dest
	}
	return r, nil
}

// Destination returns the destination of key
func (r *Router) Destination(key string) (string, error) {
	dest, ok := r.routes[key]
	if !ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Router", "Destination", "resolve key")
	}
	return dest, nil
}

// Destinations returns the distinct destinations in sorted order
func (r *Router) Destinations() []string {
	seen := make(map[string]struct{}, len(r.routes))
	out := make([]string, 0, len(r.routes))
	for _, dest := range r.routes {
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Bind attaches the store serving dest
func (r *Router) Bind(dest string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[dest] = s
}

// StoreFor returns the store bound to key's destination
func (r *Router) StoreFor(key string) (Store, error) {
	dest, err := r.Destination(key)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	s, ok := r.stores[dest]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrBucketNotFound, dest),
			"Router", "StoreFor", "find store")
	}
	return s, nil
}
