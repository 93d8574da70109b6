package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"jarpatch/internal/cache"
	"jarpatch/internal/patch"
	"jarpatch/internal/validate"
)

// Key layout: "seq/<10-digit sequence>" holds the sha256 of the encoded
// record, stored under "blob/<sha256>".
const (
	seqPrefix  = "seq/"
	blobPrefix = "blob/"
)

// BadgerConfig configures the embedded record database.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zerolog.Logger
}

// BadgerStore is a content-addressed, ordered record store.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens or creates the database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger store: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error { return s.db.Close() }

func seqKey(n int) []byte { return []byte(fmt.Sprintf("%s%010d", seqPrefix, n)) }

// Save replaces every stored record with those of c.
func (s *BadgerStore) Save(ctx context.Context, c *Chain) error {
	if err := Validate(c.Records); err != nil {
		return err
	}
	stale, err := s.keys(seqPrefix, blobPrefix)
	if err != nil {
		return fmt.Errorf("badger store: list: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	for _, r := range c.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := patch.Encode(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", r.Sequence, err)
		}
		sum := cache.HashBytes(data)
		if err := wb.Set([]byte(blobPrefix+sum), data); err != nil {
			return err
		}
		if err := wb.Set(seqKey(r.Sequence), []byte(sum)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Load reads the records in sequence order and validates the chain. Records
// whose content no longer matches their address are integrity problems.
func (s *BadgerStore) Load(ctx context.Context) (*Chain, error) {
	var (
		errs    validate.Problems
		records []patch.Record
	)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(seqPrefix), PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			seq, err := strconv.Atoi(strings.TrimPrefix(key, seqPrefix))
			if err != nil {
				errs.Add("%s: bad sequence key", key)
				continue
			}
			sum, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := getValue(txn, blobPrefix+string(sum))
			if err != nil {
				errs.Add("record %d: %v", seq, err)
				continue
			}
			if got := cache.HashBytes(data); got != string(sum) {
				errs.Add("record %d: content hash %s does not match address %s", seq, got, sum)
				continue
			}
			r, err := patch.Decode(seq, data)
			if err != nil {
				errs.Add("record %d: %v", seq, err)
				continue
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := integrity(&errs); err != nil {
		return nil, err
	}
	return New(records)
}

// keys lists every key under the given prefixes.
func (s *BadgerStore) keys(prefixes ...string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, p := range prefixes {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(p)})
			for it.Rewind(); it.Valid(); it.Next() {
				out = append(out, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	return out, err
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
