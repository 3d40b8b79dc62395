package cartstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidKey      = errors.New("invalid slot key")
	ErrNotImplemented  = errors.New("not implemented")
	ErrClosed          = errors.New("slot closed")
	ErrAlreadyWatching = errors.New("local store is already being watched")
	ErrCorruptSnapshot = errors.New("corrupt cart snapshot")
	ErrSnapshotExpired = errors.New("cart snapshot expired")
)

// KeyValueStore is the storage slot shared by every client of one origin.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ChangeEvent reports the value of key after another client changed it.
// Present is false when the key was removed.
type ChangeEvent struct {
	Key     string
	Value   []byte
	Present bool
}

// ChangeNotifier delivers ChangeEvents for one key until the returned cancel func runs.
// Events for a subscription are delivered sequentially, never on the caller of Set.
type ChangeNotifier interface {
	Subscribe(key string, fn func(ChangeEvent)) (cancel func(), err error)
}

type Slot interface {
	KeyValueStore
	ChangeNotifier
}

var slotKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !slotKeyPattern.MatchString(key) {
		return "", ErrInvalidKey
	}
	return key, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
