package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiskCache_RoundTrip(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir(), 1<<20, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close()

	// Silence compresses well.
	clip := make([]byte, 8192)
	if err := dc.Put("k", clip); err != nil {
		t.Fatal(err)
	}
	if dc.Size() >= int64(len(clip)) {
		t.Errorf("Size() = %d, expected compression below %d", dc.Size(), len(clip))
	}

	got, ok := dc.Get("k")
	if !ok || !bytes.Equal(got, clip) {
		t.Fatal("Get() did not return the stored clip")
	}
}

func TestDiskCache_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	dc, err := NewDiskCache(dir, 1<<20, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := dc.Put("k", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := dc.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewDiskCache(dir, 1<<20, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got, ok := reopened.Get("k"); !ok || string(got) != "hello" {
		t.Errorf("Get() after reopen = %q, %v", got, ok)
	}
}

func TestDiskCache_CorruptFileIsAMiss(t *testing.T) {
	dir := t.TempDir()
	dc, err := NewDiskCache(dir, 1<<20, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close()

	_ = dc.Put("k", []byte("hello"))
	if err := os.WriteFile(filepath.Join(dir, "k.zst"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := dc.Get("k"); ok {
		t.Error("corrupt entry should be a miss")
	}
	if dc.Contains("k") {
		t.Error("corrupt entry should be dropped from the index")
	}
}

func TestDiskCache_EvictsOldest(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir(), 64, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close()

	// zstd frames of short random-looking input are roughly input size
	// plus header, so three of these exceed 64 bytes.
	_ = dc.Put("a", []byte("first entry 0123"))
	time.Sleep(2 * time.Millisecond)
	_ = dc.Put("b", []byte("second entry 456"))
	time.Sleep(2 * time.Millisecond)
	_ = dc.Put("c", []byte("third entry 7890"))

	if dc.Size() > 64 {
		t.Errorf("Size() = %d exceeds capacity", dc.Size())
	}
	if dc.Contains("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !dc.Contains("c") {
		t.Error("newest entry missing")
	}
}

func TestDiskCache_ItemTooLarge(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir(), 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close()

	if err := dc.Put("k", []byte("does not fit")); !errors.Is(err, ErrItemTooLarge) {
		t.Errorf("Put() error = %v, want ErrItemTooLarge", err)
	}
}
