package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrCorrupt marks a stored record that cannot be decoded. It is fatal: the
// ledger refuses to start rather than skip the record.
var ErrCorrupt = errors.New("storage: corrupt record")

// KeyCodec maps keys to bytes whose bytewise order equals the natural order
// of the key type.
type KeyCodec[K any] interface {
	EncodeKey(K) []byte
	DecodeKey([]byte) (K, error)
}

// Uint64Keys encodes uint64 keys big-endian.
type Uint64Keys struct{}

func (Uint64Keys) EncodeKey(k uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k)
	return buf[:]
}

func (Uint64Keys) DecodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 key of length %d", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// StringKeys stores string keys verbatim.
type StringKeys struct{}

func (StringKeys) EncodeKey(k string) []byte { return []byte(k) }

func (StringKeys) DecodeKey(b []byte) (string, error) { return string(b), nil }

// AccountKey is a composite (account, sequence) key. Entries for one account
// are contiguous and ordered by sequence.
type AccountKey struct {
	Account string
	ID      uint64
}

// AccountKeys encodes AccountKey as account || 0x00 || big-endian id.
// Accounts must not contain a NUL byte.
type AccountKeys struct{}

func (AccountKeys) EncodeKey(k AccountKey) []byte {
	out := make([]byte, 0, len(k.Account)+9)
	out = append(out, k.Account...)
	out = append(out, 0)
	return binary.BigEndian.AppendUint64(out, k.ID)
}

func (AccountKeys) DecodeKey(b []byte) (AccountKey, error) {
	if len(b) < 9 || b[len(b)-9] != 0 {
		return AccountKey{}, fmt.Errorf("%w: malformed account key", ErrCorrupt)
	}
	return AccountKey{
		Account: string(b[:len(b)-9]),
		ID:      binary.BigEndian.Uint64(b[len(b)-8:]),
	}, nil
}

// AccountPrefix returns the key prefix covering every AccountKey of account.
func AccountPrefix(account string) []byte {
	out := make([]byte, 0, len(account)+1)
	out = append(out, account...)
	return append(out, 0)
}

// ValidAccountKey reports whether account can be used inside an AccountKey.
func ValidAccountKey(account string) bool {
	return account != "" && bytes.IndexByte([]byte(account), 0) < 0
}

func encodeValue[V any](v V) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(&v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %T: %w", v, err)
	}
	return enc, nil
}

func decodeValue[V any](raw []byte) (V, error) {
	var v V
	if err := rlp.DecodeBytes(raw, &v); err != nil {
		return v, fmt.Errorf("%w: decode %T: %v", ErrCorrupt, v, err)
	}
	return v, nil
}
