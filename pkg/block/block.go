// Package block defines the ledger block, its digest, and chain validation.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/ledgerchat/pkg/crypto"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// MaxMessageSize caps the payload of a single block (64 KiB).
const MaxMessageSize = 64 * 1024

// Block validation errors.
var (
	ErrCorruptBlock    = errors.New("corrupt block: hash mismatch")
	ErrEmptySender     = errors.New("block has empty sender")
	ErrZeroTimestamp   = errors.New("block timestamp is zero")
	ErrMessageTooLarge = errors.New("block message too large")
)

// Block is one immutable ledger entry linked to its predecessor by hash.
type Block struct {
	Sender    string     `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message"`
	PrevHash  types.Hash `json:"prev_hash"`
	Hash      types.Hash `json:"hash"`
}

// New creates a block authored by sender at ts on top of prev and computes
// its hash. The timestamp is stored in UTC.
func New(sender string, ts time.Time, message string, prev types.Hash) *Block {
	b := &Block{
		Sender:    sender,
		Timestamp: ts.UTC(),
		Message:   message,
		PrevHash:  prev,
	}
	b.Hash = b.ComputeHash()
	return b
}

// ComputeHash returns the digest of (sender, timestamp, message, prev_hash).
//
// Layout: len(sender) u32le | sender | 8 | unixnano i64le | len(message) u32le |
// message | prev_hash(32). Variable-length fields are length-prefixed so no
// two distinct field tuples encode to the same bytes.
func (b *Block) ComputeHash() types.Hash {
	h := crypto.NewHasher()

	writeField := func(p []byte) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}

	writeField([]byte(b.Sender))

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(b.Timestamp.UTC().UnixNano()))
	writeField(ts[:])

	writeField([]byte(b.Message))
	h.Write(b.PrevHash[:])

	return crypto.Sum(h)
}

// Verify recomputes the digest and compares it to the stored hash.
func (b *Block) Verify() error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrCorruptBlock)
	}
	if got := b.ComputeHash(); got != b.Hash {
		return fmt.Errorf("%w: stored %s, computed %s", ErrCorruptBlock, b.Hash.Short(), got.Short())
	}
	return nil
}

// IsValid reports whether the stored hash matches the recomputed digest.
func (b *Block) IsValid() bool {
	return b.Verify() == nil
}

// CheckSanity enforces the field rules for blocks accepted from the network
// or authored locally. It does not check the digest.
func (b *Block) CheckSanity() error {
	if b.Sender == "" {
		return ErrEmptySender
	}
	if b.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	if len(b.Message) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(b.Message), MaxMessageSize)
	}
	return nil
}

// IsRoot reports whether the block was authored on an empty chain.
func (b *Block) IsRoot() bool {
	return b.PrevHash.IsZero()
}
