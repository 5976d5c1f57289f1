// Package storage provides the Badger-based persistent storage engine.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/blackbird-ai/incubator-kvrocks/internal/core/domain"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

// Config holds storage engine configuration.
type Config struct {
	// Dir is the directory holding the Badger files.
	Dir string
	// SyncWrites forces fsync on every commit.
	SyncWrites bool
	// GCInterval is the value-log GC cadence. Zero disables GC.
	GCInterval time.Duration
	// Logger receives engine logs.
	Logger logger.Logger
}

// DefaultConfig returns the default storage configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		SyncWrites: false,
		GCInterval: 10 * time.Minute,
	}
}

// Engine is the persistent key-value store backing the command engine.
// Keys are scoped by namespace: a connection authenticated into a
// namespace can only observe keys written in that namespace.
type Engine struct {
	db     *badger.DB
	cfg    Config
	logger logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens the storage engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, domain.ErrStorage.WithDetails("dir is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: log}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("open db").WithCause(err)
	}

	e := &Engine{
		db:     db,
		cfg:    cfg,
		logger: log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go e.gcLoop()

	log.Info("storage engine started", "dir", cfg.Dir, "sync_writes", cfg.SyncWrites)
	return e, nil
}

// nsKey builds the storage key for a namespace-scoped user key. The NUL
// separator cannot occur in namespace names (config validation rejects
// names containing NUL), so encoded keys never collide across namespaces.
func nsKey(namespace string, key []byte) []byte {
	buf := make([]byte, 0, len(namespace)+1+len(key))
	buf = append(buf, namespace...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return buf
}

// Get retrieves a value by key within a namespace.
func (e *Engine) Get(namespace string, key []byte) ([]byte, error) {
	var value []byte

	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nsKey(namespace, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if domain.IsDomainError(err, domain.ErrKeyNotFound.Code) {
			return nil, err
		}
		return nil, domain.ErrStorage.WithCause(err)
	}

	return value, nil
}

// Set stores a key-value pair within a namespace. A zero ttl stores the
// key without expiry.
func (e *Engine) Set(namespace string, key, value []byte, ttl time.Duration) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(nsKey(namespace, key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	return nil
}

// Delete removes a key within a namespace. Returns true if the key
// existed.
func (e *Engine) Delete(namespace string, key []byte) (bool, error) {
	existed := false
	err := e.db.Update(func(txn *badger.Txn) error {
		full := nsKey(namespace, key)
		if _, err := txn.Get(full); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(full)
	})
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	return existed, nil
}

// Exists reports whether a key exists within a namespace.
func (e *Engine) Exists(namespace string, key []byte) (bool, error) {
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nsKey(namespace, key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	return found, nil
}

// TTL returns the remaining time to live of a key in seconds:
// -2 if the key does not exist, -1 if it exists without expiry.
func (e *Engine) TTL(namespace string, key []byte) (int64, error) {
	ttl := int64(-2)
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nsKey(namespace, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		expires := item.ExpiresAt()
		if expires == 0 {
			ttl = -1
			return nil
		}
		remaining := int64(expires) - time.Now().Unix()
		if remaining < 0 {
			// Expired but not yet collected: invisible to the client.
			ttl = -2
			return nil
		}
		ttl = remaining
		return nil
	})
	if err != nil {
		return 0, domain.ErrStorage.WithCause(err)
	}
	return ttl, nil
}

// Scan iterates over keys in a namespace in lexical order, invoking fn
// with the user key (namespace prefix stripped). fn returns false to
// stop.
func (e *Engine) Scan(namespace string, fn func(key []byte) bool) error {
	prefix := nsKey(namespace, nil)
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !fn(key[len(prefix):]) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	return nil
}

// Close stops background GC and closes the database.
func (e *Engine) Close() error {
	close(e.stopCh)
	<-e.doneCh
	if err := e.db.Close(); err != nil {
		return domain.ErrStorage.WithDetails("close").WithCause(err)
	}
	e.logger.Info("storage engine stopped")
	return nil
}

// gcLoop periodically runs Badger's value-log GC.
func (e *Engine) gcLoop() {
	defer close(e.doneCh)

	if e.cfg.GCInterval <= 0 {
		<-e.stopCh
		return
	}

	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			// Repeat until a cycle reclaims nothing.
			for {
				if err := e.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						e.logger.Warn("value log gc", "error", err)
					}
					break
				}
			}
		}
	}
}

// badgerLogger adapts the application logger to badger.Logger.
type badgerLogger struct {
	logger logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf("badger: "+format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}
