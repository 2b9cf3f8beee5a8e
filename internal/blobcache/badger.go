package blobcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const (
	blobPrefix = "blob:"
	// Each value starts with the big-endian write time in nanoseconds.
	headerLen = 8
)

var errCorrupt = errors.New("blob entry shorter than header")

// BadgerOptions configures the durable blob store.
type BadgerOptions struct {
	Dir        string
	MaxAge     time.Duration // defaults to DefaultBlobMaxAge
	MaxEntries int           // defaults to DefaultBlobMaxEntries
	InMemory   bool          // badger in-memory mode, for tests
	Logger     zerolog.Logger
}

// BadgerBlobStore keeps file bytes in an embedded badger database so previews
// survive process restarts. Entries expire after MaxAge and the store never
// holds more than MaxEntries; the oldest writes are evicted first.
type BadgerBlobStore struct {
	db         *badger.DB
	maxAge     time.Duration
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time

	pruneMu sync.Mutex
}

// OpenBadgerBlobStore opens (or creates) the blob store.
func OpenBadgerBlobStore(opts BadgerOptions) (*BadgerBlobStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("blob cache dir required")
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create blob cache dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	s := &BadgerBlobStore{
		db:         db,
		maxAge:     opts.MaxAge,
		maxEntries: opts.MaxEntries,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultBlobMaxAge
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultBlobMaxEntries
	}
	return s, nil
}

func (s *BadgerBlobStore) Close() error { return s.db.Close() }

func (s *BadgerBlobStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) < headerLen {
				return errCorrupt
			}
			out = append([]byte(nil), val[headerLen:]...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, errCorrupt) {
		_ = s.Delete(context.Background(), key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blob get %s: %w", key, err)
	}
	return out, true, nil
}

// Set writes the blob. ttl is capped at the store's MaxAge.
func (s *BadgerBlobStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.maxAge {
		ttl = s.maxAge
	}
	buf := make([]byte, headerLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(s.now().UnixNano()))
	copy(buf[headerLen:], value)
	entry := badger.NewEntry([]byte(blobPrefix+key), buf).WithTTL(ttl)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("blob set %s: %w", key, err)
	}
	if _, err := s.Prune(); err != nil {
		s.logger.Warn().Err(err).Msg("blob cache prune failed")
	}
	return nil
}

func (s *BadgerBlobStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blobPrefix + key))
	})
}

func (s *BadgerBlobStore) Clear(context.Context) error {
	return s.db.DropPrefix([]byte(blobPrefix))
}

type blobMeta struct {
	key       []byte
	writtenAt uint64
}

// Len counts live entries.
func (s *BadgerBlobStore) Len() (int, error) {
	metas, err := s.scan()
	return len(metas), err
}

func (s *BadgerBlobStore) scan() ([]blobMeta, error) {
	var metas []blobMeta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			meta := blobMeta{key: item.KeyCopy(nil)}
			if err := item.Value(func(val []byte) error {
				if len(val) >= headerLen {
					meta.writtenAt = binary.BigEndian.Uint64(val[:headerLen])
				}
				return nil
			}); err != nil {
				return err
			}
			metas = append(metas, meta)
		}
		return nil
	})
	return metas, err
}

// Prune evicts the oldest writes beyond MaxEntries. Age-based eviction is
// handled by the entry TTL.
func (s *BadgerBlobStore) Prune() (int, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	metas, err := s.scan()
	if err != nil {
		return 0, err
	}
	excess := len(metas) - s.maxEntries
	if excess <= 0 {
		return 0, nil
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].writtenAt < metas[j].writtenAt })
	victims := metas[:excess]
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, m := range victims {
			if err := txn.Delete(m.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("blob prune: %w", err)
	}
	s.logger.Debug().Int("evicted", excess).Msg("blob cache pruned")
	return excess, nil
}

// RunValueLogGC reclaims disk space left behind by evicted entries.
func (s *BadgerBlobStore) RunValueLogGC() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
