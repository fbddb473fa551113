package logging

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"single write", 64, []string{"hello"}, "hello"},
		{"exact fill", 8, []string{"AABB", "CCDD"}, "AABBCCDD"},
		{"wrap", 10, []string{"abcdefghij", "12345"}, "fghij12345"},
		{"small writes wrap", 8, []string{"AA", "BB", "CC", "DD", "EE"}, "BBCCDDEE"},
		{"larger than capacity", 5, []string{"0123456789"}, "56789"},
		{"empty write", 4, []string{"ab", ""}, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.size)
			for _, w := range tt.writes {
				n, err := rb.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := string(rb.Bytes()); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(32)
	_, _ = rb.Write([]byte("dump_test_data"))

	path := filepath.Join(t.TempDir(), "dump.bin")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if string(data) != "dump_test_data" {
		t.Errorf("got %q", data)
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	rb := NewRingBuffer(1024)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = rb.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()

	if got := len(rb.Bytes()); got != 1000 {
		t.Errorf("expected 1000 bytes, got %d", got)
	}
}
