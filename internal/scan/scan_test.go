package scan

import (
	"bytes"
	"testing"

	"wfldb/internal/chunkstore"
	"wfldb/internal/object"
	"wfldb/internal/substrate"
	"wfldb/internal/substrate/memtest"
)

func putKeys(t *testing.T, l *object.Layer, bucket string, keys []string) {
	t.Helper()
	for _, k := range keys {
		if _, err := l.Put(bucket, k, bytes.NewReader([]byte(k)), substrate.Sync); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
}

func TestScanPrefixOrder(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := object.New(sub, cs, object.Config{})

	putKeys(t, l, "t", []string{"a", "ab", "ac", "b"})

	entries, err := Scan(sub, "t", "a", nil, 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Key)
	}
	want := []string{"a", "ab", "ac"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestScanExcludesTombstones(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := object.New(sub, cs, object.Config{})

	putKeys(t, l, "t", []string{"a", "b", "c"})
	if _, err := l.Delete("t", "b", substrate.Sync); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	entries, err := Scan(sub, "t", "", nil, -1)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Key == "b" {
			t.Fatal("expected tombstoned key b to be excluded")
		}
	}
}

func TestScanPaginationCompleteness(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := object.New(sub, cs, object.Config{})

	keys := []string{"a", "b", "c", "d", "e", "f"}
	putKeys(t, l, "t", keys)

	var all []string
	var cursor []byte
	for {
		page, err := Scan(sub, "t", "", cursor, 2)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			all = append(all, e.Key)
		}
		cursor = []byte(page[len(page)-1].Key)
		if len(page) < 2 {
			break
		}
	}

	if len(all) != len(keys) {
		t.Fatalf("got %v, want %v", all, keys)
	}
	for i := range keys {
		if all[i] != keys[i] {
			t.Fatalf("got %v, want %v", all, keys)
		}
	}
}

func TestScanBucketIsolation(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := object.New(sub, cs, object.Config{})

	putKeys(t, l, "tenant-a", []string{"k1"})
	putKeys(t, l, "tenant-b", []string{"k1", "k2"})

	entries, err := Scan(sub, "tenant-b", "", nil, -1)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}
