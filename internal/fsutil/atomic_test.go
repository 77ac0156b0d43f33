package fsutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestWriteFile_CreatesParentsAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.json")
	if err := WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestWriteFile_ConcurrentReadersSeeWholeContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc")
	a := make([]byte, 64*1024)
	b := make([]byte, 64*1024)
	for i := range a {
		a[i] = 'a'
		b[i] = 'b'
	}
	if err := WriteFile(path, a, 0o644); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			data := a
			if i%2 == 1 {
				data = b
			}
			if err := WriteFile(path, data, 0o644); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != len(a) {
			t.Fatalf("partial read: %d bytes", len(data))
		}
		for _, c := range data {
			if c != data[0] {
				t.Fatal("read mixed content")
			}
		}
	}
	wg.Wait()
}

func TestIsTemp(t *testing.T) {
	if !IsTemp(".doc.json.123.tmp") {
		t.Error("temp name not detected")
	}
	if IsTemp("doc.json") || IsTemp("") {
		t.Error("regular name detected as temp")
	}
}
