package store

import (
	"errors"
	"io"
	"strings"
	"testing"

	"chunkcast/internal/media"
)

func TestLocalBlobStorage_PutOpenDelete(t *testing.T) {
	bs, err := NewLocalBlobStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStorage: %v", err)
	}

	n, err := bs.Put("c1/chunks/a.webm", strings.NewReader("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Put: n=%d err=%v", n, err)
	}

	rc, err := bs.Open("c1/chunks/a.webm")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("read %q", data)
	}

	if _, err := bs.Put("c1/chunks/a.webm", strings.NewReader("bye")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rc, _ = bs.Open("c1/chunks/a.webm")
	data, _ = io.ReadAll(rc)
	rc.Close()
	if string(data) != "bye" {
		t.Errorf("after overwrite read %q", data)
	}

	if err := bs.Delete("c1/chunks/a.webm"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Open("c1/chunks/a.webm"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Open after delete: %v, want ErrBlobNotFound", err)
	}
	if err := bs.Delete("c1/chunks/a.webm"); err != nil {
		t.Errorf("deleting a missing blob: %v", err)
	}
}

func TestLocalBlobStorage_rejects_escaping_keys(t *testing.T) {
	bs, _ := NewLocalBlobStorage(t.TempDir())
	for _, key := range []string{"", ".", "../x", "a/../../x", "/etc/passwd"} {
		if _, err := bs.Put(key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
}

func TestChunkKey_unique_per_upload(t *testing.T) {
	a := ChunkKey("c1", 3, media.WebM)
	b := ChunkKey("c1", 3, media.WebM)
	if a == b {
		t.Error("two uploads of the same chunk should get distinct keys")
	}
	if !strings.HasPrefix(a, "c1/chunks/00000003-") || !strings.HasSuffix(a, ".webm") {
		t.Errorf("ChunkKey = %q", a)
	}
	if got := FinalKey("c1", media.MP4); got != "c1/final.mp4" {
		t.Errorf("FinalKey = %q", got)
	}
}
