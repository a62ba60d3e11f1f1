package localfs

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rescale/httptransfer/internal/xfererr"
)

func TestWriteAtCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	r := NewRandomFileAccess()
	defer r.CloseAll()

	if err := r.WriteAt(path, 7, []byte("orld!")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.WriteAt(path, 0, []byte("Hello W")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.Close(path); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "Hello World!" {
		t.Errorf("file content = %q, want %q", got, "Hello World!")
	}
}

func TestReadExactRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.bin")
	if err := os.WriteFile(path, []byte("hello world 123"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRandomFileAccess()
	defer r.CloseAll()

	got, err := r.Read(path, 6, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("Read = %q, want %q", got, "world")
	}
}

func TestReadShortFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRandomFileAccess()
	defer r.CloseAll()

	_, err := r.Read(path, 0, 10)
	if err == nil {
		t.Fatal("Read past EOF should fail")
	}
	if !xfererr.IsKind(err, xfererr.KindIo) {
		t.Errorf("short read error kind = %s, want Io", xfererr.GetKind(err))
	}
}

func TestSingleHandlePerPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.bin")

	r := NewRandomFileAccess()
	defer r.CloseAll()

	if err := r.WriteAt(path, 0, []byte("aa")); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteAt(path, 2, []byte("bb")); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	n := len(r.handles)
	r.mu.Unlock()
	if n != 1 {
		t.Errorf("registry holds %d handles, want 1", n)
	}
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "once.bin")

	r := NewRandomFileAccess()
	if err := r.WriteAt(path, 0, []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := r.Close(path); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(path); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := r.Close(filepath.Join(dir, "never-opened")); err != nil {
		t.Fatalf("Close of unopened path: %v", err)
	}
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll after Close: %v", err)
	}

	// Operations after close must fail rather than silently reopen
	if err := r.WriteAt(path, 0, []byte("y")); err == nil {
		t.Error("WriteAt after Close should fail")
	}
}

func TestConcurrentDisjointWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parallel.bin")

	const parts = 16
	const partSize = 1024

	want := make([]byte, parts*partSize)
	for i := range want {
		want[i] = byte(i % 251)
	}

	r := NewRandomFileAccess()
	var wg sync.WaitGroup
	for i := 0; i < parts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := int64(i * partSize)
			if err := r.WriteAt(path, off, want[off:off+partSize]); err != nil {
				t.Errorf("WriteAt part %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("concurrent disjoint writes produced wrong content")
	}
}

func TestReadMissingFile(t *testing.T) {
	r := NewRandomFileAccess()
	defer r.CloseAll()

	_, err := r.Read(filepath.Join(t.TempDir(), "absent.bin"), 0, 4)
	if !xfererr.IsKind(err, xfererr.KindIo) {
		t.Errorf("missing file error kind = %s, want Io", xfererr.GetKind(err))
	}
}
