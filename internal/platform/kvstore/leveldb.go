package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore is a Store backed by an on-disk LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
	// serializes the check-then-write in PutIfAbsent
	writeMu sync.Mutex
}

// OpenLevelDB opens (or creates) a LevelDB database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

func (s *LevelDBStore) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (s *LevelDBStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	keys := []string{}
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, mapErr(err)
	}
	return keys, nil
}

func (s *LevelDBStore) PutIfAbsent(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := new(leveldb.Batch)
	for k, v := range entries {
		ok, err := s.db.Has([]byte(k), nil)
		if err != nil {
			return mapErr(err)
		}
		if ok {
			return ErrExists
		}
		batch.Put([]byte(k), v)
	}
	return mapErr(s.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

func (s *LevelDBStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete([]byte(k))
	}
	return mapErr(s.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}
