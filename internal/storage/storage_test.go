package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "patchbot/pkg/logx"
)

func openTestStore(t *testing.T, driver string, retain int) Store {
	t.Helper()
	ext := ".jsonl"
	if driver == "sqlite" {
		ext = ".db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "nested", "journal"+ext), Retain: retain}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestStoreAppendRecent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver, 0)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 1; i <= 5; i++ {
				r := Record{
					At:      base.Add(time.Duration(i) * time.Second),
					Run:     "run-1",
					Kind:    "shard.terminated",
					ShardID: uint64(i),
					Shard:   fmt.Sprintf("s%d", i),
				}
				if err := st.Append(ctx, r); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
			}

			got, err := st.Recent(ctx, 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("Recent(3) returned %d", len(got))
			}
			for i, r := range got {
				if want := uint64(i + 3); r.ShardID != want {
					t.Fatalf("record %d shard = %d, want %d", i, r.ShardID, want)
				}
			}
			if !got[2].At.Equal(base.Add(5*time.Second)) || got[2].Shard != "s5" || got[2].Run != "run-1" {
				t.Fatalf("last = %+v", got[2])
			}

			all, err := st.Recent(ctx, 100)
			if err != nil || len(all) != 5 {
				t.Fatalf("Recent(100) = %d, %v", len(all), err)
			}
			if none, _ := st.Recent(ctx, 0); none != nil {
				t.Fatalf("Recent(0) = %v", none)
			}

			if err := st.Close(); err != nil {
				t.Fatal(err)
			}
			if err := st.Append(ctx, Record{Kind: "x"}); err == nil {
				t.Fatal("Append after Close succeeded")
			}
		})
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	body := `{"run":"r","kind":"a","shard_id":1}
not json
{"run":"r","kind":"b","shard_id":2}
{"run":"r","kind":"c","sha`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Kind != "a" || got[1].Kind != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestFileStoreCompactsToRetain(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file", 10)
	ctx := context.Background()
	for i := 1; i <= compactEvery; i++ {
		if err := st.Append(ctx, Record{Run: "r", Kind: "k", ShardID: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.Recent(ctx, compactEvery)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 || got[0].ShardID != compactEvery-9 || got[9].ShardID != compactEvery {
		t.Fatalf("after compaction: %d records, first %d", len(got), got[0].ShardID)
	}

	// Appends keep working on the reopened file.
	if err := st.Append(ctx, Record{Run: "r", Kind: "k", ShardID: 9999}); err != nil {
		t.Fatal(err)
	}
	last, _ := st.Recent(ctx, 1)
	if len(last) != 1 || last[0].ShardID != 9999 {
		t.Fatalf("last = %+v", last)
	}
}
