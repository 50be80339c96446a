package docsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type QueueBackendFactory func(dsn string) (QueueBackend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]QueueBackendFactory
}{
	factories: map[string]QueueBackendFactory{},
}

// RegisterQueueBackendFactory installs a factory for a custom DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterQueueBackendFactory(scheme string, factory QueueBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupQueueBackendFactory(scheme string) (QueueBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildQueueBackendFromDSN routes a DSN to a queue backend by scheme. An
// empty DSN yields a nil backend (memory-only queue). Bare paths and
// file:// DSNs map to the JSON file backend.
func BuildQueueBackendFromDSN(dsn string) (QueueBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupQueueBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileQueueBackend(path)
	case "memory", "mem", "inmem":
		return nil, nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueueBackend(path)
	case "postgres", "postgresql":
		return NewPostgresQueueBackend(dsn)
	case "redis", "rediss", "nats":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
