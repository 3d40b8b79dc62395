package cartstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileStore keeps one JSON file per key inside a directory. Writes go through a
// temp file and a rename, so readers in other processes never see a partial value.
// Change notification is an fsnotify watch on the directory.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	watchers map[*fileSubscription]struct{}
}

type fileSubscription struct {
	watcher *fsnotify.Watcher
	path    string
	key     string
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	last    []byte
	present bool
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:      filepath.Clean(dir),
		logger:   logger,
		watchers: map[*fileSubscription]struct{}{},
	}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) pathFor(key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, value, 0o644)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Subscribe(key string, fn func(ChangeEvent)) (func(), error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	key, _ = normalizeKey(key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The directory is watched rather than the file: atomic renames replace the
	// inode, which would silently end a watch on the file itself.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	sub := &fileSubscription{
		watcher: watcher,
		path:    path,
		key:     key,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if data, readErr := os.ReadFile(path); readErr == nil {
		sub.last = data
		sub.present = true
	}

	s.mu.Lock()
	s.watchers[sub] = struct{}{}
	s.mu.Unlock()

	go s.watch(sub, fn)

	return func() {
		s.mu.Lock()
		delete(s.watchers, sub)
		s.mu.Unlock()
		sub.stop()
	}, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*fileSubscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.watchers = map[*fileSubscription]struct{}{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *FileStore) watch(sub *fileSubscription, fn func(ChangeEvent)) {
	defer close(sub.exited)
	base := filepath.Base(sub.path)
	for {
		select {
		case <-sub.done:
			return
		case event, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			change, changed := sub.poll()
			if !changed || sub.stopped() {
				continue
			}
			fn(change)
		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("slot watcher error", zap.String("dir", s.dir), zap.Error(err))
		}
	}
}

// poll reads the current value of the file and reports whether it differs from
// the last value delivered. fsnotify commonly emits several events per write.
func (sub *fileSubscription) poll() (ChangeEvent, bool) {
	data, err := os.ReadFile(sub.path)
	present := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return ChangeEvent{}, false
	}
	if present == sub.present && bytes.Equal(data, sub.last) {
		return ChangeEvent{}, false
	}
	sub.present = present
	sub.last = data
	return ChangeEvent{Key: sub.key, Value: cloneBytes(data), Present: present}, true
}

// stop ends the subscription and waits for an in-flight callback to return.
// It must not be called from the callback itself.
func (sub *fileSubscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.watcher.Close()
	})
	<-sub.exited
}

func (sub *fileSubscription) stopped() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
