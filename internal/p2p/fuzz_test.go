package p2p

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

// FuzzReadFrame tests that arbitrary bytes never panic the frame reader.
func FuzzReadFrame(f *testing.F) {
	var buf bytes.Buffer
	msg, _ := NewMessage(MsgSyncFetch, SyncFetchMessage{FromIndex: 3, Max: 10})
	WriteFrame(&buf, msg)
	f.Add(buf.Bytes())
	f.Add([]byte{0, 0, 0, 2, '{', '}'})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := ReadFrame(bytes.NewReader(data))
		if err != nil {
			return
		}
		_ = m.Type.String()
	})
}

// FuzzBlocksMessageUnmarshal tests that arbitrary JSON does not panic
// when decoded as a SYNC_BLOCKS payload and validated.
func FuzzBlocksMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"from_index":0,"blocks":[{"sender":"a","timestamp":"2026-01-01T00:00:00Z","message":"hi"}]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"blocks":[null]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var sb SyncBlocksMessage
		if err := json.Unmarshal(data, &sb); err != nil {
			return
		}
		for _, b := range sb.Blocks {
			if b == nil {
				continue
			}
			b.Verify()
			b.CheckSanity()
		}
		block.ValidateChain(nonNil(sb.Blocks))
	})
}

func nonNil(blocks []*block.Block) []*block.Block {
	out := blocks[:0:0]
	for _, b := range blocks {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}
