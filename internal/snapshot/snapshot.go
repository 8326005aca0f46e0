// Package snapshot erasure-codes check-in snapshots for transfer between
// instances. A snapshot survives the loss or corruption of up to ParityShards
// shards.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

// ErrCorrupt is returned when too few intact shards remain to rebuild the
// payload, or the rebuilt payload does not match its checksum.
var ErrCorrupt = errors.New("snapshot: corrupt")

// Shard is one coded piece of a snapshot.
type Shard struct {
	Index    int    `json:"index"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// Encoded is a coded snapshot as carried on the wire.
type Encoded struct {
	DataShards   int     `json:"data_shards"`
	ParityShards int     `json:"parity_shards"`
	Size         int     `json:"size"`
	Checksum     string  `json:"checksum"`
	Shards       []Shard `json:"shards"`
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encode splits payload into dataShards data shards plus parityShards parity
// shards, each carrying its own checksum.
func Encode(payload []byte, dataShards, parityShards int) (*Encoded, error) {
	if len(payload) == 0 {
		return nil, errors.New("snapshot: empty payload")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	// Split may reuse payload's backing array.
	buf := append([]byte(nil), payload...)
	shards, err := enc.Split(buf)
	if err != nil {
		return nil, fmt.Errorf("splitting snapshot: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}

	out := &Encoded{
		DataShards:   dataShards,
		ParityShards: parityShards,
		Size:         len(payload),
		Checksum:     checksum(payload),
		Shards:       make([]Shard, len(shards)),
	}
	for i, s := range shards {
		out.Shards[i] = Shard{Index: i, Data: s, Checksum: checksum(s)}
	}
	return out, nil
}

// Decode rebuilds the payload. Shards whose checksum does not match, or that
// are missing, are treated as lost.
func Decode(e *Encoded) ([]byte, error) {
	if e == nil || e.DataShards <= 0 {
		return nil, fmt.Errorf("%w: no shard layout", ErrCorrupt)
	}
	enc, err := reedsolomon.New(e.DataShards, e.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}

	total := e.DataShards + e.ParityShards
	shards := make([][]byte, total)
	intact := 0
	for _, s := range e.Shards {
		if s.Index < 0 || s.Index >= total || shards[s.Index] != nil {
			continue
		}
		if checksum(s.Data) != s.Checksum {
			continue
		}
		shards[s.Index] = s.Data
		intact++
	}
	if intact < e.DataShards {
		return nil, fmt.Errorf("%w: %d intact shards, need %d", ErrCorrupt, intact, e.DataShards)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("%w: reconstructing shards: %v", ErrCorrupt, err)
	}
	ok, err := enc.Verify(shards)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: shard verification failed", ErrCorrupt)
	}

	var result []byte
	for i := 0; i < e.DataShards; i++ {
		result = append(result, shards[i]...)
	}
	if e.Size > len(result) {
		return nil, fmt.Errorf("%w: size %d exceeds reconstructed length %d", ErrCorrupt, e.Size, len(result))
	}
	result = result[:e.Size]
	if checksum(result) != e.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrCorrupt)
	}
	return result, nil
}

// Marshal JSON-encodes v and codes it.
func Marshal(v any, dataShards, parityShards int) (*Encoded, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return Encode(raw, dataShards, parityShards)
}

// Unmarshal decodes e into v.
func Unmarshal(e *Encoded, v any) error {
	raw, err := Decode(e)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return nil
}
