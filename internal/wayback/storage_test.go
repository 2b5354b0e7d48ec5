package wayback

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoragePutOpen(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	if err := s.Put("blog/post.html", strings.NewReader("<p>hi</p>")); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("blog/post.html") {
		t.Fatal("expected file to exist")
	}
	rc, err := s.Open("blog/post.html")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "<p>hi</p>" {
		t.Errorf("content = %q", b)
	}
}

func TestLocalStorageOpenMissing(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	if _, err := s.Open("nope.css"); !errors.Is(err, ErrNotArchived) {
		t.Errorf("expected ErrNotArchived, got %v", err)
	}
	if err := s.PutBytes("dir/a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open("dir"); !errors.Is(err, ErrNotArchived) {
		t.Errorf("directory: expected ErrNotArchived, got %v", err)
	}
	if s.Exists("dir") {
		t.Error("a directory is not a stored file")
	}
}

func TestLocalStoragePutOverwrites(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	_ = s.PutBytes("a.css", []byte("old"))
	if err := s.Put("a.css", strings.NewReader("new")); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(filepath.Join(s.Root(), "a.css"))
	if string(b) != "new" {
		t.Errorf("content = %q", b)
	}
}

func TestLocalStorageWalk(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStorage(root)
	for _, p := range []string{"index.html", "css/site.css", "blog/index.html"} {
		if err := s.PutBytes(p, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	// In-flight temp files and hidden directories are not archive content.
	_ = os.WriteFile(filepath.Join(root, "css", ".wbrp-123"), nil, 0600)
	_ = os.MkdirAll(filepath.Join(root, ".cache"), 0750)
	_ = os.WriteFile(filepath.Join(root, ".cache", "x.html"), nil, 0600)

	var got []string
	if err := s.Walk(func(p string) error {
		got = append(got, p)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"blog/index.html", "css/site.css", "index.html"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("walk = %v, want %v", got, want)
	}
}
