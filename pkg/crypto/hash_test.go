package crypto

import (
	"testing"

	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Published BLAKE3-256 vectors.
var vectors = []struct {
	name  string
	input string
	want  string
}{
	{"empty", "", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	{"hello", "hello", "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
}

func TestHash_Vectors(t *testing.T) {
	for _, tt := range vectors {
		t.Run(tt.name, func(t *testing.T) {
			want, err := types.HexToHash(tt.want)
			if err != nil {
				t.Fatalf("bad vector: %v", err)
			}
			if got := Hash([]byte(tt.input)); got != want {
				t.Errorf("Hash(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestHasher_Streaming(t *testing.T) {
	msg := []byte("sender|timestamp|message|prev_hash")
	want := Hash(msg)

	// Every split point must give the one-shot digest.
	for i := 0; i <= len(msg); i++ {
		h := NewHasher()
		h.Write(msg[:i])
		h.Write(msg[i:])
		if got := Sum(h); got != want {
			t.Fatalf("split at %d: %s, want %s", i, got, want)
		}
	}
}

func TestHash_DifferentInputs(t *testing.T) {
	if Hash([]byte("input A")) == Hash([]byte("input B")) {
		t.Error("different inputs produced the same hash")
	}
}
