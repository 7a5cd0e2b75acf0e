package chain

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/ledger"
	"github.com/Klingon-tech/ledgerchat/internal/storage"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeClock returns a clock advancing one second per call.
func fakeClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestChain(t *testing.T, sender string) *Chain {
	t.Helper()
	return newTestChainDB(t, sender, storage.NewMemory())
}

func newTestChainDB(t *testing.T, sender string, db storage.DB) *Chain {
	t.Helper()
	c, err := New(ledger.NewStore(db), sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = fakeClock(t0)
	return c
}

func author(t *testing.T, c *Chain, msgs ...string) []*block.Block {
	t.Helper()
	var out []*block.Block
	for _, m := range msgs {
		b, err := c.Author(m)
		if err != nil {
			t.Fatalf("Author(%q): %v", m, err)
		}
		out = append(out, b)
	}
	return out
}

func allBlocks(t *testing.T, c *Chain) []*block.Block {
	t.Helper()
	blocks, err := c.Range(0, int(c.State().Length)+1)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	return blocks
}

// syncFrom runs one reconciliation of dst against src without a network.
func syncFrom(t *testing.T, dst, src *Chain) MergeResult {
	t.Helper()
	local, remote := dst.Summary(), src.Summary()

	n := local.Length
	if remote.Length < n {
		n = remote.Length
	}
	lh, err := dst.Hashes(0, n)
	if err != nil {
		t.Fatalf("Hashes: %v", err)
	}
	rh, err := src.Hashes(0, n)
	if err != nil {
		t.Fatalf("Hashes: %v", err)
	}
	common := uint64(CommonPrefix(lh, rh))

	suffix, err := src.Range(common, int(remote.Length-common))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	res, err := dst.ApplyRemote(common, remote, suffix, "peer")
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	return res
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "alice"); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(ledger.NewStore(storage.NewMemory()), ""); !errors.Is(err, block.ErrEmptySender) {
		t.Fatalf("New with empty sender err = %v", err)
	}
}

func TestAuthor_LinksToHead(t *testing.T) {
	c := newTestChain(t, "alice")

	blocks := author(t, c, "one", "two", "three")

	if !blocks[0].PrevHash.IsZero() {
		t.Fatal("first block should link to the zero sentinel")
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].PrevHash != blocks[i-1].Hash {
			t.Fatalf("block %d does not link to block %d", i, i-1)
		}
	}
	st := c.State()
	if st.Length != 3 || st.Head != blocks[2].Hash {
		t.Fatalf("state = %+v", st)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAuthor_TimestampsNonDecreasing(t *testing.T) {
	c := newTestChain(t, "alice")
	times := []time.Time{t0.Add(10 * time.Second), t0.Add(5 * time.Second), t0.Add(12 * time.Second)}
	i := 0
	c.now = func() time.Time { ts := times[i]; i++; return ts }

	blocks := author(t, c, "a", "b", "c")

	if !blocks[1].Timestamp.Equal(blocks[0].Timestamp) {
		t.Fatalf("clock went backwards: %v then %v", blocks[0].Timestamp, blocks[1].Timestamp)
	}
	if !blocks[2].Timestamp.Equal(times[2]) {
		t.Fatalf("third timestamp = %v, want %v", blocks[2].Timestamp, times[2])
	}
}

func TestAuthor_TimestampsSurviveRestart(t *testing.T) {
	db := storage.NewMemory()
	c := newTestChainDB(t, "alice", db)
	c.now = func() time.Time { return t0.Add(time.Hour) }
	first := author(t, c, "late")[0]

	c2 := newTestChainDB(t, "alice", db)
	c2.now = func() time.Time { return t0 }
	second := author(t, c2, "early clock")[0]

	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamp regressed after restart: %v < %v", second.Timestamp, first.Timestamp)
	}
	if second.PrevHash != first.Hash {
		t.Fatal("restarted chain lost its head")
	}
}

func TestAuthor_RejectsOversizedMessage(t *testing.T) {
	c := newTestChain(t, "alice")
	big := make([]byte, block.MaxMessageSize+1)
	if _, err := c.Author(string(big)); !errors.Is(err, block.ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if c.State().Length != 0 {
		t.Fatal("oversized message was committed")
	}
}

// failingDB fails writes once armed.
type failingDB struct {
	storage.DB
	mu   sync.Mutex
	fail bool
}

func (f *failingDB) arm(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingDB) Put(key, value []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.DB.Put(key, value)
}

func TestAuthor_StorageFailureNotCommitted(t *testing.T) {
	db := &failingDB{DB: storage.NewMemory()}
	c := newTestChainDB(t, "alice", db)
	first := author(t, c, "ok")[0]

	events, cancel := c.Subscribe(4)
	defer cancel()

	db.arm(true)
	_, err := c.Author("lost")
	if !errors.Is(err, ledger.ErrStorage) {
		t.Fatalf("Author err = %v, want ErrStorage", err)
	}
	st := c.State()
	if st.Length != 1 || st.Head != first.Hash {
		t.Fatalf("state changed after failed append: %+v", st)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v after failed append", ev.Kind)
	default:
	}

	db.arm(false)
	next := author(t, c, "retry")[0]
	if next.PrevHash != first.Hash {
		t.Fatal("retry does not link to last durable block")
	}
}

func TestAddBlock_Append(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	blocks := author(t, alice, "hi", "there")

	for _, b := range blocks {
		res, err := bob.AddBlock(b, "alice-addr")
		if err != nil || res != AddAppended {
			t.Fatalf("AddBlock = %v, %v", res, err)
		}
	}
	if bob.State() != alice.State() {
		t.Fatalf("bob %+v != alice %+v", bob.State(), alice.State())
	}
}

func TestAddBlock_KnownIsNoop(t *testing.T) {
	c := newTestChain(t, "alice")
	b := author(t, c, "hi")[0]

	res, err := c.AddBlock(b, "peer")
	if err != nil || res != AddKnown {
		t.Fatalf("AddBlock = %v, %v; want known", res, err)
	}
	if c.State().Length != 1 {
		t.Fatalf("length = %d, want 1", c.State().Length)
	}
}

func TestAddBlock_CorruptRejected(t *testing.T) {
	c := newTestChain(t, "bob")
	b := block.New("alice", t0, "hi", types.Hash{})
	b.Message = "tampered"

	res, err := c.AddBlock(b, "peer")
	if !errors.Is(err, block.ErrCorruptBlock) || res != AddRejected {
		t.Fatalf("AddBlock = %v, %v; want rejected corrupt", res, err)
	}
	if c.State().Length != 0 || c.Candidates() != 0 {
		t.Fatal("corrupt block was kept")
	}
}

func TestAddBlock_CandidateThenConnect(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	blocks := author(t, alice, "1", "2", "3")

	// Deliver out of order: 3, 2, then 1.
	for _, b := range []*block.Block{blocks[2], blocks[1]} {
		res, err := bob.AddBlock(b, "alice-addr")
		if !errors.Is(err, ErrNotHead) || res != AddCandidate {
			t.Fatalf("AddBlock = %v, %v; want candidate", res, err)
		}
	}
	if bob.Candidates() != 2 {
		t.Fatalf("candidates = %d, want 2", bob.Candidates())
	}

	res, err := bob.AddBlock(blocks[0], "alice-addr")
	if err != nil || res != AddAppended {
		t.Fatalf("AddBlock = %v, %v", res, err)
	}
	if bob.State() != alice.State() {
		t.Fatalf("bob %+v != alice %+v", bob.State(), alice.State())
	}
	if bob.Candidates() != 0 {
		t.Fatalf("candidates = %d after connect, want 0", bob.Candidates())
	}
}

func TestAddBlock_CandidatePoolBounded(t *testing.T) {
	c := newTestChain(t, "bob")
	author(t, c, "local")
	for i := 0; i < MaxCandidates+10; i++ {
		b := block.New("alice", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("m%d", i), types.Hash{byte(i), 1})
		c.AddBlock(b, "peer")
	}
	if c.Candidates() != MaxCandidates {
		t.Fatalf("candidates = %d, want %d", c.Candidates(), MaxCandidates)
	}
}

func TestConcurrentAppends_Serialized(t *testing.T) {
	c := newTestChain(t, "alice")
	other := newTestChain(t, "bob")
	// remote[1] never extends c's head, so it only ever lands in the pool.
	remote := author(t, other, "r0", "r1")

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := c.Author(fmt.Sprintf("w%d-%d", w, i)); err != nil {
					t.Errorf("Author: %v", err)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c.AddBlock(remote[1], "peer")
			c.Summary()
		}
	}()
	wg.Wait()

	blocks := allBlocks(t, c)
	if len(blocks) != writers*perWriter {
		t.Fatalf("length = %d, want %d", len(blocks), writers*perWriter)
	}
	if err := block.ValidateChain(blocks); err != nil {
		t.Fatalf("ValidateChain: %v", err)
	}
	if !block.IsLinear(types.Hash{}, blocks) {
		t.Fatal("concurrent appends produced a non-linear chain")
	}
}

func TestReconcile_ForkConvergesToSmallerTip(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")

	h1 := author(t, alice, "hi")[0].Hash
	h2 := author(t, bob, "yo")[0].Hash
	want := h1
	if h2.Less(h1) {
		want = h2
	}

	// Either side may start; both end on min(H1, H2).
	syncFrom(t, alice, bob)
	syncFrom(t, bob, alice)

	for name, c := range map[string]*Chain{"alice": alice, "bob": bob} {
		st := c.State()
		if st.Length != 1 || st.Head != want {
			t.Fatalf("%s head = %s len %d, want %s", name, st.Head.Short(), st.Length, want.Short())
		}
		loser := h1
		if want == h1 {
			loser = h2
		}
		if _, err := c.Get(loser); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("%s still holds losing block: %v", name, err)
		}
	}
}

func TestReconcile_ForkConvergesRegardlessOfInitiator(t *testing.T) {
	for _, bobFirst := range []bool{false, true} {
		alice := newTestChain(t, "alice")
		bob := newTestChain(t, "bob")
		h1 := author(t, alice, "hi")[0].Hash
		h2 := author(t, bob, "yo")[0].Hash

		if bobFirst {
			syncFrom(t, bob, alice)
			syncFrom(t, alice, bob)
		} else {
			syncFrom(t, alice, bob)
			syncFrom(t, bob, alice)
		}

		want := h1
		if h2.Less(h1) {
			want = h2
		}
		if alice.State().Head != want || bob.State().Head != want {
			t.Fatalf("bobFirst=%v: heads %s/%s, want %s", bobFirst,
				alice.State().Head.Short(), bob.State().Head.Short(), want.Short())
		}
	}
}

func TestReconcile_LongerChainWins(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")

	shared := author(t, alice, "shared")
	bob.AddBlock(shared[0], "alice")

	author(t, alice, "a1")
	long := author(t, bob, "b1", "b2")

	events, cancel := alice.Subscribe(8)
	defer cancel()

	res := syncFrom(t, alice, bob)
	if res.Decision != ReorgToRemote {
		t.Fatalf("decision = %v, want reorg", res.Decision)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Message != "a1" {
		t.Fatalf("dropped = %v", res.Dropped)
	}
	if alice.State().Head != long[1].Hash || alice.State().Length != 3 {
		t.Fatalf("alice state = %+v", alice.State())
	}

	ev := <-events
	if ev.Kind != EventChainRepaired || ev.ForkIndex != 1 || len(ev.Added) != 2 {
		t.Fatalf("event = %+v", ev)
	}

	// Bob's pass against alice is now a no-op.
	if res := syncFrom(t, bob, alice); res.Decision != InSync {
		t.Fatalf("bob decision = %v, want in_sync", res.Decision)
	}
}

func TestReconcile_FastForward(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	blocks := author(t, alice, "1", "2", "3")
	bob.AddBlock(blocks[0], "alice")

	events, cancel := bob.Subscribe(8)
	defer cancel()

	res := syncFrom(t, bob, alice)
	if res.Decision != FastForward || res.Added != 2 {
		t.Fatalf("result = %+v", res)
	}
	if bob.State() != alice.State() {
		t.Fatalf("bob %+v != alice %+v", bob.State(), alice.State())
	}
	for i := 1; i <= 2; i++ {
		ev := <-events
		if ev.Kind != EventBlockCommitted || ev.Index != uint64(i) || ev.Source != "peer" {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
}

func TestReconcile_LocalAheadNoAction(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	blocks := author(t, alice, "1", "2")
	bob.AddBlock(blocks[0], "alice")

	before := alice.State()
	res := syncFrom(t, alice, bob)
	if res.Decision != LocalAhead {
		t.Fatalf("decision = %v, want local_ahead", res.Decision)
	}
	if alice.State() != before {
		t.Fatal("local chain changed")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	author(t, alice, "1", "2")

	syncFrom(t, bob, alice)
	st := bob.State()

	suffix, _ := alice.Range(0, 2)
	res, err := bob.ApplyRemote(0, alice.Summary(), suffix, "peer")
	if err != nil || res.Decision != InSync {
		t.Fatalf("redelivery = %+v, %v", res, err)
	}
	if bob.State() != st {
		t.Fatal("redelivery changed chain")
	}
}

func TestReconcile_StaleCommonPrefixSkipsKnownBlocks(t *testing.T) {
	alice := newTestChain(t, "alice")
	bob := newTestChain(t, "bob")
	blocks := author(t, alice, "1", "2", "3")

	// Bob received block 0 after computing common = 0.
	bob.AddBlock(blocks[0], "alice")
	events, cancel := bob.Subscribe(8)
	defer cancel()

	res, err := bob.ApplyRemote(0, alice.Summary(), blocks, "peer")
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if res.Decision != FastForward || res.Added != 2 || len(res.Dropped) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ev := <-events; ev.Kind != EventBlockCommitted {
		t.Fatalf("event = %v, want block_committed", ev.Kind)
	}
}

func TestApplyRemote_RejectsBadSuffix(t *testing.T) {
	alice := newTestChain(t, "alice")
	blocks := author(t, alice, "1", "2")
	tip := alice.Summary()

	t.Run("short", func(t *testing.T) {
		bob := newTestChain(t, "bob")
		_, err := bob.ApplyRemote(0, tip, blocks[:1], "peer")
		if !errors.Is(err, ErrUnknownPeerTip) {
			t.Fatalf("err = %v, want ErrUnknownPeerTip", err)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		bob := newTestChain(t, "bob")
		bad := *blocks[0]
		bad.Message = "forged"
		_, err := bob.ApplyRemote(0, tip, []*block.Block{&bad, blocks[1]}, "peer")
		if !errors.Is(err, block.ErrCorruptBlock) {
			t.Fatalf("err = %v, want ErrCorruptBlock", err)
		}
		if bob.State().Length != 0 {
			t.Fatal("corrupt suffix applied")
		}
	})

	t.Run("nil block", func(t *testing.T) {
		bob := newTestChain(t, "bob")
		_, err := bob.ApplyRemote(0, tip, []*block.Block{nil, blocks[1]}, "peer")
		if !errors.Is(err, block.ErrCorruptBlock) {
			t.Fatalf("err = %v, want ErrCorruptBlock", err)
		}
	})

	t.Run("stale anchor", func(t *testing.T) {
		bob := newTestChain(t, "bob")
		author(t, bob, "other")
		// Claims one shared block that bob does not have.
		_, err := bob.ApplyRemote(1, tip, blocks[1:], "peer")
		if !errors.Is(err, ErrStaleView) {
			t.Fatalf("err = %v, want ErrStaleView", err)
		}
	})
}

func TestRepair_TruncatesAtBrokenLink(t *testing.T) {
	db := storage.NewMemory()
	store := ledger.NewStore(db)
	good := block.New("alice", t0, "0", types.Hash{})
	store.Append(good)
	store.Append(block.New("alice", t0.Add(time.Second), "1", good.Hash))
	store.Append(block.New("alice", t0.Add(2*time.Second), "gap", types.Hash{0xab}))
	store.Append(block.New("alice", t0.Add(3*time.Second), "3", types.Hash{0xcd}))

	c := newTestChainDB(t, "alice", db)
	if err := c.Validate(); err == nil {
		t.Fatal("Validate should fail")
	}

	ce, err := c.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if ce == nil || ce.Kind != block.KindBrokenLink || ce.Index != 2 {
		t.Fatalf("Repair = %+v, want broken link at 2", ce)
	}
	if c.State().Length != 2 {
		t.Fatalf("length = %d, want 2", c.State().Length)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate after repair: %v", err)
	}
	if ce, err := c.Repair(); ce != nil || err != nil {
		t.Fatalf("second Repair = %v, %v", ce, err)
	}
}

func TestHistoryAndBefore(t *testing.T) {
	c := newTestChain(t, "alice")
	blocks := author(t, c, "0", "1", "2", "3", "4")

	got, err := c.History(0, 2)
	if err != nil || len(got) != 2 || got[1].Hash != blocks[4].Hash {
		t.Fatalf("History(0,2) = %d blocks, %v", len(got), err)
	}
	got, _ = c.History(3, 10)
	if len(got) != 2 || got[0].Hash != blocks[0].Hash {
		t.Fatalf("History(3,10) = %d blocks", len(got))
	}
	if got, _ := c.History(5, 10); len(got) != 0 {
		t.Fatalf("History past start = %d blocks", len(got))
	}

	got, _ = c.Before(blocks[3].Timestamp, 20)
	if len(got) != 3 || got[2].Hash != blocks[2].Hash {
		t.Fatalf("Before = %d blocks", len(got))
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := newTestChain(t, "alice")
	events, cancel := c.Subscribe(1)

	author(t, c, "one", "two") // second event is dropped, buffer is 1

	ev := <-events
	if ev.Kind != EventBlockCommitted || ev.Block.Message != "one" || ev.Source != SourceLocal {
		t.Fatalf("event = %+v", ev)
	}
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	author(t, c, "three")
}
