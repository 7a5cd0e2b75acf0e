package p2p

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/storage"
)

func newTestPeerStore() *PeerStore {
	return NewPeerStore(storage.NewMemory())
}

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := newTestPeerStore()
	rec := PeerRecord{
		Address:  "/ip4/192.168.1.1/tcp/30310",
		NodeID:   "8d6b6a2e-0b0e-4a53-9d0c-5c1b0d9f7a11",
		Name:     "alice",
		LastSeen: time.Now().Unix(),
		Source:   SourceSeed,
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := ps.Load(rec.Address)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *loaded != rec {
		t.Fatalf("Load = %+v, want %+v", *loaded, rec)
	}
}

func TestPeerStore_LoadAllSkipsCorrupt(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)
	now := time.Now().Unix()

	for i := 0; i < 3; i++ {
		ps.Save(PeerRecord{Address: fmt.Sprintf("/ip4/10.0.0.%d/tcp/30310", i+1), LastSeen: now})
	}
	db.Put([]byte(peerKeyPrefix+"garbage"), []byte("{not json"))

	all, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("LoadAll = %d records, want 3", len(all))
	}
}

func TestPeerStore_Delete(t *testing.T) {
	ps := newTestPeerStore()
	addr := "/ip4/10.0.0.1/tcp/30310"
	ps.Save(PeerRecord{Address: addr, LastSeen: time.Now().Unix(), Source: SourceMDNS})

	if err := ps.Delete(addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ps.Load(addr); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load after delete err = %v, want ErrNotFound", err)
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)

	ps.Save(PeerRecord{Address: "/ip4/10.0.0.1/tcp/1", LastSeen: time.Now().Add(-48 * time.Hour).Unix()})
	ps.Save(PeerRecord{Address: "/ip4/10.0.0.2/tcp/2", LastSeen: time.Now().Add(-time.Hour).Unix()})
	db.Put([]byte(peerKeyPrefix+"corrupt"), []byte("x"))

	pruned, err := ps.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2 (stale + corrupt)", pruned)
	}
	if _, err := ps.Load("/ip4/10.0.0.2/tcp/2"); err != nil {
		t.Fatalf("recent peer pruned: %v", err)
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := newTestPeerStore()
	now := time.Now().Unix()
	for i := 0; i < maxPersistedPeers; i++ {
		ps.Save(PeerRecord{Address: fmt.Sprintf("/ip4/10.1.%d.%d/tcp/1", i/250, i%250), LastSeen: now})
	}

	extra := PeerRecord{Address: "/ip4/10.9.9.9/tcp/1", LastSeen: now}
	if err := ps.Save(extra); err != nil {
		t.Fatalf("Save at capacity: %v", err)
	}
	if _, err := ps.Load(extra.Address); err == nil {
		t.Fatal("new peer saved beyond capacity")
	}

	// Updating an existing record still works at capacity.
	upd := PeerRecord{Address: "/ip4/10.1.0.0/tcp/1", LastSeen: now + 10, Source: SourceExchange}
	if err := ps.Save(upd); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	got, _ := ps.Load(upd.Address)
	if got.LastSeen != now+10 || got.Source != SourceExchange {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestPeerStore_Empty(t *testing.T) {
	ps := newTestPeerStore()
	all, err := ps.LoadAll()
	if err != nil || len(all) != 0 {
		t.Fatalf("LoadAll empty = %d, %v", len(all), err)
	}
	if n, _ := ps.Count(); n != 0 {
		t.Fatalf("Count = %d", n)
	}
}
