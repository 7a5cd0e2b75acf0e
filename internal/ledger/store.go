// Package ledger persists the local chain: blocks by hash and by insertion
// index, plus the current length.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/storage"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Errors returned by the store.
var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned when a block or index is absent.
	ErrNotFound = errors.New("block not found")
)

// Key prefixes and state keys.
var (
	prefixBlock = []byte("b/") // b/<hash(32)> -> block JSON
	prefixIndex = []byte("i/") // i/<index(8)> -> hash(32)
	keyLength   = []byte("s/length")
)

// Store is the durable ordered table holding one peer's chain. Writers must be
// serialized by the caller; reads are safe alongside them because every write
// is committed as a single batch.
type Store struct {
	db storage.DB
}

// NewStore creates a store backed by db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Length returns the number of blocks in the chain.
func (s *Store) Length() (uint64, error) {
	data, err := s.db.Get(keyLength)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("length get", err)
	}
	if len(data) != 8 {
		return 0, storageErr("length get", fmt.Errorf("corrupt length: %d bytes", len(data)))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Head returns the hash and index of the last block. ok is false for an
// empty chain.
func (s *Store) Head() (hash types.Hash, index uint64, ok bool, err error) {
	n, err := s.Length()
	if err != nil || n == 0 {
		return types.Hash{}, 0, false, err
	}
	hash, err = s.HashAt(n - 1)
	if err != nil {
		return types.Hash{}, 0, false, err
	}
	return hash, n - 1, true, nil
}

// HashAt returns the hash stored at the given index.
func (s *Store) HashAt(index uint64) (types.Hash, error) {
	data, err := s.db.Get(indexKey(index))
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return types.Hash{}, storageErr("index get", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, storageErr("index get", fmt.Errorf("corrupt index %d: %d bytes", index, len(data)))
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}

// Has reports whether a block with the given hash is stored.
func (s *Store) Has(hash types.Hash) (bool, error) {
	ok, err := s.db.Has(blockKey(hash))
	if err != nil {
		return false, storageErr("block has", err)
	}
	return ok, nil
}

// Get retrieves a block by hash.
func (s *Store) Get(hash types.Hash) (*block.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("block %s: %w", hash.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("block get", err)
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, storageErr("block unmarshal", err)
	}
	return &b, nil
}

// At retrieves the block at the given index.
func (s *Store) At(index uint64) (*block.Block, error) {
	h, err := s.HashAt(index)
	if err != nil {
		return nil, err
	}
	return s.Get(h)
}

// Append stores b at the next index and returns that index.
func (s *Store) Append(b *block.Block) (uint64, error) {
	n, err := s.Length()
	if err != nil {
		return 0, err
	}
	batch := storage.NewBatch(s.db)
	if err := putBlock(batch, n, b); err != nil {
		return 0, err
	}
	if err := putLength(batch, n+1); err != nil {
		return 0, err
	}
	if err := batch.Commit(); err != nil {
		return 0, storageErr("append commit", err)
	}
	return n, nil
}

// ReplaceFrom discards every block at index >= from and appends blocks in
// their place, in one atomic batch. It returns the discarded blocks in index
// order.
func (s *Store) ReplaceFrom(from uint64, blocks []*block.Block) ([]*block.Block, error) {
	n, err := s.Length()
	if err != nil {
		return nil, err
	}
	if from > n {
		return nil, fmt.Errorf("replace from %d beyond length %d", from, n)
	}
	dropped, err := s.Range(from, n)
	if err != nil {
		return nil, err
	}

	batch := storage.NewBatch(s.db)
	for i, b := range dropped {
		if err := batch.Delete(blockKey(b.Hash)); err != nil {
			return nil, storageErr("replace delete", err)
		}
		if err := batch.Delete(indexKey(from + uint64(i))); err != nil {
			return nil, storageErr("replace delete", err)
		}
	}
	for i, b := range blocks {
		if err := putBlock(batch, from+uint64(i), b); err != nil {
			return nil, err
		}
	}
	if err := putLength(batch, from+uint64(len(blocks))); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, storageErr("replace commit", err)
	}
	return dropped, nil
}

// Range returns the blocks with index in [from, to), clamped to the chain
// length.
func (s *Store) Range(from, to uint64) ([]*block.Block, error) {
	n, err := s.Length()
	if err != nil {
		return nil, err
	}
	if to > n {
		to = n
	}
	if from >= to {
		return nil, nil
	}
	out := make([]*block.Block, 0, to-from)
	for i := from; i < to; i++ {
		b, err := s.At(i)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Latest returns the last limit blocks, oldest first.
func (s *Store) Latest(limit int) ([]*block.Block, error) {
	n, err := s.Length()
	if err != nil || limit <= 0 {
		return nil, err
	}
	var from uint64
	if uint64(limit) < n {
		from = n - uint64(limit)
	}
	return s.Range(from, n)
}

// Before returns up to limit blocks whose timestamp is strictly earlier than
// ts. The chain is scanned from the head backwards, so the result holds the
// newest such blocks; it is returned oldest first.
func (s *Store) Before(ts time.Time, limit int) ([]*block.Block, error) {
	n, err := s.Length()
	if err != nil || limit <= 0 {
		return nil, err
	}
	var out []*block.Block
	for i := n; i > 0 && len(out) < limit; i-- {
		b, err := s.At(i - 1)
		if err != nil {
			return nil, err
		}
		if b.Timestamp.Before(ts) {
			out = append(out, b)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func putBlock(batch storage.Batch, index uint64, b *block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	if err := batch.Put(blockKey(b.Hash), data); err != nil {
		return storageErr("block put", err)
	}
	if err := batch.Put(indexKey(index), b.Hash[:]); err != nil {
		return storageErr("index put", err)
	}
	return nil
}

func putLength(batch storage.Batch, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if err := batch.Put(keyLength, buf[:]); err != nil {
		return storageErr("length put", err)
	}
	return nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func indexKey(index uint64) []byte {
	key := make([]byte, len(prefixIndex)+8)
	copy(key, prefixIndex)
	binary.BigEndian.PutUint64(key[len(prefixIndex):], index)
	return key
}
