package snapshot

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	data := []byte("check-in snapshot: three entities, one clock, one timestamp")

	e, err := Encode(data, DefaultDataShards, DefaultParityShards)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(e.Shards) != DefaultDataShards+DefaultParityShards {
		t.Fatalf("expected %d shards, got %d", DefaultDataShards+DefaultParityShards, len(e.Shards))
	}

	got, err := Decode(e)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded payload does not match original")
	}
}

func TestDecodeWithLostShards(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	e, err := Encode(data, 4, 2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Lose one data shard and one parity shard.
	e.Shards = append(e.Shards[:1:1], e.Shards[2:5]...)

	got, err := Decode(e)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded payload does not match original after loss")
	}
}

func TestDecodeDropsCorruptShards(t *testing.T) {
	data := []byte("the corrupted shard must be rebuilt from parity, not trusted")
	e, err := Encode(data, 4, 2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	e.Shards[0].Data = append([]byte(nil), e.Shards[0].Data...)
	e.Shards[0].Data[0] ^= 0xff
	e.Shards[3].Data = append([]byte(nil), e.Shards[3].Data...)
	e.Shards[3].Data[1] ^= 0xff

	got, err := Decode(e)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded payload does not match original after corruption")
	}
}

func TestDecodeTooManyLosses(t *testing.T) {
	e, err := Encode([]byte("not enough shards survive this"), 4, 2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.Shards = e.Shards[:3]

	if _, err := Decode(e); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestEncodeDoesNotAliasPayload(t *testing.T) {
	data := []byte("payload owned by the caller")
	orig := append([]byte(nil), data...)
	if _, err := Encode(data, 4, 2); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("Encode modified the caller's payload")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	type state struct {
		Instance  string   `json:"instance"`
		Timestamp int64    `json:"timestamp"`
		Hashes    []string `json:"hashes"`
	}
	in := state{Instance: "a1", Timestamp: 1700000000000, Hashes: []string{"x", "y"}}

	e, err := Marshal(in, 4, 2)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out state
	if err := Unmarshal(e, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Instance != in.Instance || out.Timestamp != in.Timestamp || len(out.Hashes) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestEncodeRejectsEmpty(t *testing.T) {
	if _, err := Encode(nil, 4, 2); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
