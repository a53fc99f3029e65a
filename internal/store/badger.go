package store

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/calendar-assistant/internal/model"
)

var badgerKeyPrefix = []byte("state/")

// BadgerStore implements Store on an embedded BadgerDB. Entries are written
// with a badger TTL, and Sweep removes any that outlived it by the clock.
type BadgerStore struct {
	db      *badger.DB
	nowFunc func() time.Time
}

// NewBadger opens a BadgerDB at path, or in memory when inMemory is set.
func NewBadger(path string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, eris.New("badger: path is required for a persistent database")
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "badger: create directory %s", path)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&badgerLogger{log: zap.L().With(zap.String("component", "badger")).Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	return &BadgerStore{db: db, nowFunc: time.Now}, nil
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

func badgerKey(key string) []byte {
	return append(append([]byte{}, badgerKeyPrefix...), key...)
}

func (s *BadgerStore) Get(_ context.Context, key string) (*model.PreservedState, error) {
	var st *model.PreservedState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			st, err = decodeRecord(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "badger: get state")
	}
	return st, nil
}

func (s *BadgerStore) Set(ctx context.Context, state model.PreservedState) error {
	ttl := state.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return s.Delete(ctx, state.Key)
	}
	data, err := encodeRecord(state)
	if err != nil {
		return eris.Wrap(err, "badger: encode state")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(badgerKey(state.Key), data).WithTTL(ttl))
	})
	return eris.Wrap(err, "badger: set state")
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	})
	return eris.Wrap(err, "badger: delete state")
}

func (s *BadgerStore) Sweep(_ context.Context, now time.Time) (int, error) {
	var expired [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerKeyPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var st *model.PreservedState
			if err := item.Value(func(val []byte) error {
				var err error
				st, err = decodeRecord(val)
				return err
			}); err != nil {
				return err
			}
			if st.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "badger: scan state")
	}
	if len(expired) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range expired {
		if err := wb.Delete(k); err != nil {
			return 0, eris.Wrap(err, "badger: sweep state")
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, eris.Wrap(err, "badger: flush sweep")
	}
	return len(expired), nil
}

func (s *BadgerStore) Migrate(context.Context) error { return nil }

func (s *BadgerStore) Close() error {
	return eris.Wrap(s.db.Close(), "badger: close")
}
