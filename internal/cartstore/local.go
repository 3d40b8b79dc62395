package cartstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/cart"
)

const (
	DefaultCartKey = "relaycart.cart"
	// DefaultExpiration matches the server-side cart TTL.
	DefaultExpiration = 7 * 24 * time.Hour
)

type LocalStoreOptions struct {
	Key        string
	Expiration time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// LocalStore persists the cart snapshot in one slot key. It never returns storage
// errors: the in-memory cart stays authoritative when persistence fails.
type LocalStore struct {
	slot       Slot
	key        string
	expiration time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	touched  bool
	own      []byte
	ownSet   bool
	watching bool
}

func NewLocalStore(slot Slot, opts LocalStoreOptions) (*LocalStore, error) {
	if slot == nil {
		return nil, ErrInvalidInput
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = DefaultCartKey
	}
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	expiration := opts.Expiration
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LocalStore{
		slot:       slot,
		key:        key,
		expiration: expiration,
		logger:     logger.With(zap.String("key", key)),
		now:        now,
	}, nil
}

func (s *LocalStore) Key() string {
	return s.key
}

// Read returns the persisted items, or an empty list when the snapshot is absent,
// corrupt or expired. Corrupt and expired records are deleted.
func (s *LocalStore) Read(ctx context.Context) []cart.LineItem {
	raw, ok, err := s.slot.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("read local cart failed", zap.Error(err))
		return []cart.LineItem{}
	}
	if !ok {
		return []cart.LineItem{}
	}
	items, err := ParseSnapshot(raw, s.now(), s.expiration)
	if err != nil {
		if errors.Is(err, ErrSnapshotExpired) {
			s.logger.Info("local cart expired; purging")
		} else {
			s.logger.Warn("local cart unreadable; purging", zap.Error(err))
		}
		s.remove(ctx)
		return []cart.LineItem{}
	}
	return items
}

func (s *LocalStore) Write(ctx context.Context, items []cart.LineItem) {
	snapshot := Snapshot{
		Items:     cart.Normalize(cart.Clone(items)),
		Timestamp: s.now().UnixMilli(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("encode local cart failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.touched, s.own, s.ownSet = true, data, true
	s.mu.Unlock()
	if err := s.slot.Set(ctx, s.key, data); err != nil {
		s.logger.Error("write local cart failed", zap.Int("items", len(snapshot.Items)), zap.Error(err))
	}
}

func (s *LocalStore) Clear(ctx context.Context) {
	s.remove(ctx)
}

// Prune rewrites the snapshot with only its valid items, or removes it when none
// remain. It returns what is left.
func (s *LocalStore) Prune(ctx context.Context) []cart.LineItem {
	items := s.Read(ctx)
	if len(items) == 0 {
		s.remove(ctx)
		return items
	}
	s.Write(ctx, items)
	return items
}

func (s *LocalStore) remove(ctx context.Context) {
	s.mu.Lock()
	s.touched, s.own, s.ownSet = true, nil, false
	s.mu.Unlock()
	if err := s.slot.Delete(ctx, s.key); err != nil {
		s.logger.Error("clear local cart failed", zap.Error(err))
	}
}

// Watch republishes changes made to the cart key by other clients. A removed key
// publishes an empty cart; an expired or corrupt snapshot publishes an empty cart;
// otherwise the validated items are published. Watch never writes to the slot.
// Only one watch may be active per LocalStore.
func (s *LocalStore) Watch(onChange func([]cart.LineItem)) (func(), error) {
	if onChange == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil, ErrAlreadyWatching
	}
	s.watching = true
	s.mu.Unlock()

	cancel, err := s.slot.Subscribe(s.key, func(event ChangeEvent) {
		if s.isOwnEcho(event) {
			return
		}
		onChange(s.fromEvent(event))
	})
	if err != nil {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			s.watching = false
			s.mu.Unlock()
		})
	}, nil
}

func (s *LocalStore) fromEvent(event ChangeEvent) []cart.LineItem {
	if !event.Present {
		return []cart.LineItem{}
	}
	items, err := ParseSnapshot(event.Value, s.now(), s.expiration)
	if err != nil {
		s.logger.Debug("ignoring invalid cart from another client", zap.Error(err))
		return []cart.LineItem{}
	}
	return items
}

// isOwnEcho reports whether event only reflects this store's latest write or
// delete. Backends that cannot tell writers apart deliver those too. Any other
// event supersedes the store's own change, so later events are never mistaken
// for echoes of it.
func (s *LocalStore) isOwnEcho(event ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched && event.Present == s.ownSet && bytes.Equal(event.Value, s.own) {
		return true
	}
	s.touched = false
	return false
}
