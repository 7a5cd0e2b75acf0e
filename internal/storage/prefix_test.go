package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestPrefixDB_GetPutDelete(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("ledger/"))

	if err := db.Put([]byte("s/head"), []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get([]byte("s/head"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("Get = %q, want %q", got, "abc")
	}
	if ok, _ := db.Has([]byte("s/head")); !ok {
		t.Fatal("Has = false, want true")
	}

	if err := db.Delete([]byte("s/head")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("s/head")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	ledger := NewPrefixDB(inner, []byte("ledger/"))
	peers := NewPrefixDB(inner, []byte("peers/"))

	ledger.Put([]byte("key"), []byte("block"))
	peers.Put([]byte("key"), []byte("addr"))

	got, _ := ledger.Get([]byte("key"))
	if string(got) != "block" {
		t.Fatalf("ledger.Get = %q, want %q", got, "block")
	}
	got, _ = peers.Get([]byte("key"))
	if string(got) != "addr" {
		t.Fatalf("peers.Get = %q, want %q", got, "addr")
	}
	if ok, _ := ledger.Has([]byte("peers/key")); ok {
		t.Fatal("ledger namespace sees raw peers key")
	}
	raw, err := inner.Get([]byte("peers/key"))
	if err != nil || string(raw) != "addr" {
		t.Fatalf("inner.Get(peers/key) = %q, %v", raw, err)
	}
}

func TestPrefixDB_ForEach(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("ledger/"))

	db.Put([]byte("i/2"), []byte("h2"))
	db.Put([]byte("i/1"), []byte("h1"))
	db.Put([]byte("b/x"), []byte("blk"))

	var keys []string
	err := db.ForEach([]byte("i/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "i/1" || keys[1] != "i/2" {
		t.Fatalf("ForEach keys = %v, want [i/1 i/2]", keys)
	}
}

func TestPrefixDB_ForEachStopEarly(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("p/"))
	for i := 0; i < 10; i++ {
		db.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
	}

	count := 0
	stopErr := errors.New("stop")
	err := db.ForEach(nil, func(key, value []byte) error {
		count++
		if count == 3 {
			return stopErr
		}
		return nil
	})
	if err != stopErr {
		t.Fatalf("ForEach err = %v, want stopErr", err)
	}
	if count != 3 {
		t.Fatalf("ForEach called %d times, want 3", count)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("ledger/"))
	db.Put([]byte("old"), []byte("x"))

	b := db.NewBatch()
	b.Put([]byte("new"), []byte("y"))
	b.Delete([]byte("old"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := inner.Get([]byte("ledger/new")); err != nil {
		t.Fatalf("inner missing prefixed batch key: %v", err)
	}
	if ok, _ := db.Has([]byte("old")); ok {
		t.Fatal("batch delete not applied")
	}
}

func TestPrefixDB_KeyspacesIsolated(t *testing.T) {
	inner := NewMemory()
	peers := NewPrefixDB(inner, []byte("p2p/"))
	ledger := NewPrefixDB(inner, []byte("ledger/"))

	peers.Put([]byte("a"), []byte("1"))
	peers.Put([]byte("b"), []byte("2"))
	ledger.Put([]byte("a"), []byte("keep"))

	b := peers.NewBatch()
	b.Delete([]byte("a"))
	b.Delete([]byte("b"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n := 0
	peers.ForEach(nil, func(_, _ []byte) error { n++; return nil })
	if n != 0 {
		t.Fatalf("peers has %d keys after batch delete", n)
	}
	got, err := ledger.Get([]byte("a"))
	if err != nil || string(got) != "keep" {
		t.Fatalf("ledger.Get = %q, %v", got, err)
	}
}

func TestPrefixDB_CloseIsNoop(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("key"), []byte("val"))

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := inner.Get([]byte("x/key")); err != nil {
		t.Fatalf("inner.Get after Close: %v", err)
	}
}
