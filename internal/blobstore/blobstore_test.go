package blobstore

import (
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Put("site-1", "index.html", "text/html", []byte("<h1>hi</h1>")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b, ok := s.Get("site-1", "index.html")
	if !ok {
		t.Fatal("expected blob to be found")
	}
	if string(b.Bytes) != "<h1>hi</h1>" {
		t.Fatalf("unexpected bytes: %s", b.Bytes)
	}
	if b.ContentType != "text/html" {
		t.Fatalf("unexpected content type: %s", b.ContentType)
	}
}

func TestListScopedToSite(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Put("site-1", "index.html", "text/html", []byte("a"))
	s.Put("site-1", "app.js", "text/javascript", []byte("bb"))
	s.Put("site-2", "index.html", "text/html", []byte("ccc"))

	files := s.List("site-1")
	if len(files) != 2 {
		t.Fatalf("expected 2 files for site-1, got %d", len(files))
	}
}

func TestDeleteSiteRemovesAllItsBlobs(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Put("site-1", "index.html", "text/html", []byte("a"))
	s.Put("site-1", "app.js", "text/javascript", []byte("bb"))
	s.Put("site-2", "index.html", "text/html", []byte("ccc"))

	if err := s.DeleteSite("site-1"); err != nil {
		t.Fatalf("DeleteSite: %v", err)
	}
	if len(s.List("site-1")) != 0 {
		t.Fatal("expected site-1 blobs removed")
	}
	if len(s.List("site-2")) != 1 {
		t.Fatal("expected site-2 blobs untouched")
	}
}

func TestCopySiteDuplicatesBlobsUnderNewID(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Put("site-1", "index.html", "text/html", []byte("hello"))
	if err := s.CopySite("site-1", "site-1-adopted"); err != nil {
		t.Fatalf("CopySite: %v", err)
	}

	b, ok := s.Get("site-1-adopted", "index.html")
	if !ok {
		t.Fatal("expected copied blob to exist under new site id")
	}
	if string(b.Bytes) != "hello" {
		t.Fatalf("unexpected copied bytes: %s", b.Bytes)
	}
	if _, ok := s.Get("site-1", "index.html"); !ok {
		t.Fatal("expected original blob to remain after copy")
	}
}

func TestSizeAndTotalSize(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Put("site-1", "a", "text/plain", []byte("1234"))
	s.Put("site-1", "b", "text/plain", []byte("12"))
	s.Put("site-2", "a", "text/plain", []byte("123"))

	if s.Size("site-1") != 6 {
		t.Fatalf("expected site-1 size 6, got %d", s.Size("site-1"))
	}
	if s.TotalSize() != 9 {
		t.Fatalf("expected total size 9, got %d", s.TotalSize())
	}
}

func TestSnapshotAndReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Put("site-1", "index.html", "text/html", []byte("persisted"))
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	b, ok := reopened.Get("site-1", "index.html")
	if !ok {
		t.Fatal("expected blob to survive snapshot + restart")
	}
	if string(b.Bytes) != "persisted" {
		t.Fatalf("unexpected bytes after reopen: %s", b.Bytes)
	}
}

func TestWALReplayWithoutSnapshotRebuildsState(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Put("site-1", "index.html", "text/html", []byte("from-wal"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	b, ok := reopened.Get("site-1", "index.html")
	if !ok {
		t.Fatal("expected WAL replay to rebuild the blob")
	}
	if string(b.Bytes) != "from-wal" {
		t.Fatalf("unexpected bytes after WAL replay: %s", b.Bytes)
	}
}
