package chain

import (
	"testing"

	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

func TestResolve(t *testing.T) {
	small := types.Hash{0x01}
	big := types.Hash{0xf0}
	other := types.Hash{0x77}

	tests := []struct {
		name   string
		local  Tip
		remote Tip
		common uint64
		want   Decision
	}{
		{"both empty", Tip{}, Tip{}, 0, InSync},
		{"same head", Tip{3, other}, Tip{3, other}, 3, InSync},
		{"local empty", Tip{}, Tip{2, other}, 0, FastForward},
		{"remote empty", Tip{2, other}, Tip{}, 0, LocalAhead},
		{"remote extends local", Tip{2, small}, Tip{5, big}, 2, FastForward},
		{"local extends remote", Tip{5, big}, Tip{2, small}, 2, LocalAhead},
		{"fork remote longer", Tip{3, small}, Tip{4, big}, 1, ReorgToRemote},
		{"fork local longer", Tip{4, big}, Tip{3, small}, 1, KeepLocal},
		{"fork tie remote smaller", Tip{3, big}, Tip{3, small}, 2, ReorgToRemote},
		{"fork tie local smaller", Tip{3, small}, Tip{3, big}, 2, KeepLocal},
		{"root fork tie", Tip{1, big}, Tip{1, small}, 0, ReorgToRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.local, tt.remote, tt.common); got != tt.want {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_Symmetric(t *testing.T) {
	// On a fork exactly one side decides to move, so both end on the same
	// branch whichever reconciles first.
	tips := []Tip{
		{3, types.Hash{0x10}},
		{3, types.Hash{0x20}},
		{4, types.Hash{0xff}},
		{2, types.Hash{0x00, 0x01}},
	}
	for _, a := range tips {
		for _, b := range tips {
			if a == b {
				continue
			}
			da := Resolve(a, b, 1)
			db := Resolve(b, a, 1)
			if (da == ReorgToRemote) == (db == ReorgToRemote) {
				t.Fatalf("a=%s b=%s: decisions %v / %v", a, b, da, db)
			}
		}
	}
}

func TestWins(t *testing.T) {
	a := Tip{2, types.Hash{0x05}}
	b := Tip{2, types.Hash{0x06}}
	if !Wins(a, b) || Wins(b, a) {
		t.Fatal("smaller head should win a tie")
	}
	longer := Tip{3, types.Hash{0xff}}
	if !Wins(longer, a) || Wins(a, longer) {
		t.Fatal("longer chain should win regardless of hash")
	}
	if Wins(a, a) {
		t.Fatal("a tip does not beat itself")
	}
}

func TestCommonPrefix(t *testing.T) {
	h := func(b byte) types.Hash { return types.Hash{b} }
	tests := []struct {
		local, remote []types.Hash
		want          int
	}{
		{nil, nil, 0},
		{[]types.Hash{h(1), h(2)}, []types.Hash{h(1), h(2)}, 2},
		{[]types.Hash{h(1), h(2), h(3)}, []types.Hash{h(1), h(9)}, 1},
		{[]types.Hash{h(1)}, []types.Hash{h(1), h(2), h(3)}, 1},
		{[]types.Hash{h(7)}, []types.Hash{h(1)}, 0},
	}
	for i, tt := range tests {
		if got := CommonPrefix(tt.local, tt.remote); got != tt.want {
			t.Errorf("case %d: CommonPrefix = %d, want %d", i, got, tt.want)
		}
	}
}

func TestDecisionString(t *testing.T) {
	if ReorgToRemote.String() != "reorg_to_remote" || Decision(99).String() != "unknown" {
		t.Fatal("unexpected decision names")
	}
	if !FastForward.Changes() || KeepLocal.Changes() {
		t.Fatal("Changes mismatch")
	}
}
