package cartstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresSlotTableName       = "relaycart_kv"
	postgresSlotChannel         = "relaycart_kv"
	postgresOperationTimeout    = 5 * time.Second
	postgresListenerMinBackoff  = 10 * time.Second
	postgresListenerMaxBackoff  = time.Minute
	postgresListenerPingTimeout = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type listenerFactory func(dsn string, callback pq.EventCallbackType) postgresListener

type postgresListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PostgresStore shares the slot between processes through one table. Every write
// issues pg_notify with the key as payload; subscribers re-read the row.
type PostgresStore struct {
	dsn         string
	tableName   string
	channel     string
	logger      *zap.Logger
	openDB      sqlOpenFunc
	newListener listenerFactory

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
	subs   map[*postgresSubscription]struct{}
}

type postgresSubscription struct {
	listener postgresListener
	key      string
	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
}

func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresSlotTableName,
		channel:   postgresSlotChannel,
		logger:    logger,
		openDB:    sql.Open,
		newListener: func(dsn string, callback pq.EventCallbackType) postgresListener {
			return pq.NewListener(dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, callback)
		},
		subs: map[*postgresSubscription]struct{}{},
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE slot_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err = s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (slot_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	return s.execAndNotify(ctx, key, query, key, string(value))
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE slot_key = $1", postgresQuoteIdentifier(s.tableName))
	return s.execAndNotify(ctx, key, query, key)
}

// execAndNotify runs query and pg_notify in one transaction so listeners are only
// woken once the change is visible.
func (s *PostgresStore) execAndNotify(ctx context.Context, key, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Subscribe(key string, fn func(ChangeEvent)) (func(), error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	listener := s.newListener(s.dsn, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("slot listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(s.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	sub := &postgresSubscription{
		listener: listener,
		key:      key,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.listen(sub, fn)

	return func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.stop()
	}, nil
}

func (s *PostgresStore) listen(sub *postgresSubscription, fn func(ChangeEvent)) {
	defer close(sub.exited)
	ping := time.NewTicker(postgresListenerPingTimeout)
	defer ping.Stop()
	for {
		select {
		case <-sub.done:
			return
		case n, ok := <-sub.listener.NotificationChannel():
			if !ok {
				return
			}
			// A nil notification means the connection was re-established and
			// notifications may have been missed, so re-read unconditionally.
			if n != nil && n.Extra != sub.key {
				continue
			}
			value, present, err := s.Get(context.Background(), sub.key)
			if err != nil {
				s.logger.Warn("slot re-read after notification failed", zap.String("key", sub.key), zap.Error(err))
				continue
			}
			fn(ChangeEvent{Key: sub.key, Value: value, Present: present})
		case <-ping.C:
			if err := sub.listener.Ping(); err != nil {
				s.logger.Debug("slot listener ping failed", zap.Error(err))
			}
		}
	}
}

// stop ends the subscription and waits for an in-flight callback to return.
// It must not be called from the callback itself.
func (sub *postgresSubscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.listener.Close()
	})
	<-sub.exited
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*postgresSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*postgresSubscription]struct{}{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				slot_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
