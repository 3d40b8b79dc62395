package cartstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type SlotFactory func(dsn string, logger *zap.Logger) (Slot, error)

var slotFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SlotFactory
}{
	factories: map[string]SlotFactory{},
}

// memoryBuses lets several memory:// slots with the same name share one origin,
// the way tabs of one browser profile share localStorage.
var memoryBuses = struct {
	mu    sync.Mutex
	buses map[string]*MemoryBus
}{
	buses: map[string]*MemoryBus{},
}

func RegisterSlotFactory(scheme string, factory SlotFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	slotFactoryRegistry.mu.Lock()
	defer slotFactoryRegistry.mu.Unlock()
	slotFactoryRegistry.factories[scheme] = factory
}

func lookupSlotFactory(scheme string) (SlotFactory, bool) {
	scheme = normalizeScheme(scheme)
	slotFactoryRegistry.mu.RLock()
	defer slotFactoryRegistry.mu.RUnlock()
	factory, ok := slotFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildSlotFromDSN opens the storage slot named by dsn:
//
//	file:///var/lib/relaycart   one JSON file per key, fsnotify change feed
//	memory://shared             in-process bus shared by every slot of that name
//	postgres://...              shared table with LISTEN/NOTIFY change feed
//
// A bare path is treated as file://.
func BuildSlotFromDSN(dsn string, logger *zap.Logger) (Slot, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupSlotFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewFileStore(path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "mem", "inmem":
		return NewMemorySlot(sharedMemoryBus(parsed.Host + parsed.Path)), nil
	case "postgres", "postgresql":
		store, err := NewPostgresStore(dsn, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql", "sqlite", "redis", "rediss":
		return nil, fmt.Errorf("%w: slot backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported slot scheme: %s", scheme)
	}
}

func sharedMemoryBus(name string) *MemoryBus {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return NewMemoryBus()
	}
	memoryBuses.mu.Lock()
	defer memoryBuses.mu.Unlock()
	bus, ok := memoryBuses.buses[name]
	if !ok {
		bus = NewMemoryBus()
		memoryBuses.buses[name] = bus
	}
	return bus
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

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
