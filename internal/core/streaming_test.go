package core

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestBOMReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "file with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("ID,Form")...),
			expected: "ID,Form",
		},
		{
			name:     "file without BOM",
			input:    []byte("ID,Form"),
			expected: "ID,Form",
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM at start",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := io.ReadAll(newBOMReader(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestSanitizeReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "valid ASCII",
			input:    []byte("kana,puka"),
			expected: "kana,puka",
		},
		{
			name:     "valid UTF-8 with multibyte",
			input:    []byte("pɛʔ,t͡su"),
			expected: "pɛʔ,t͡su",
		},
		{
			name:     "invalid single byte replaced",
			input:    []byte{'h', 'e', 0x80, 'l', 'o'},
			expected: "he?lo",
		},
		{
			name:     "invalid byte at end",
			input:    []byte{'a', 'b', 0xFF},
			expected: "ab?",
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := io.ReadAll(newSanitizeReader(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestSanitizeReaderSplitRune(t *testing.T) {
	// ɛ is 0xC9 0x9B; iotest-style one-byte reads must not mangle it.
	input := []byte("aɛb")
	sr := newSanitizeReader(io.MultiReader(
		bytes.NewReader(input[:2]), // 'a' plus the first byte of ɛ
		bytes.NewReader(input[2:]),
	))
	result, err := io.ReadAll(sr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != "aɛb" {
		t.Errorf("got %q, want %q", string(result), "aɛb")
	}
}

func TestCountReader(t *testing.T) {
	input := strings.Repeat("x", 1000)
	reader := newCountReader(strings.NewReader(input), int64(len(input)))

	buf := make([]byte, 100)
	totalRead := 0
	for {
		n, err := reader.Read(buf)
		totalRead += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if totalRead != len(input) {
		t.Errorf("total read = %d, want %d", totalRead, len(input))
	}
	if reader.BytesRead() != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", reader.BytesRead(), len(input))
	}
}

func TestWrapSource(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte{'h', 'e', 0x80, 'l', 'o'}...)

	reader := wrapSource(bytes.NewReader(input), int64(len(input)))
	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(result) != "he?lo" {
		t.Errorf("got %q, want %q", string(result), "he?lo")
	}
	if reader.BytesRead() == 0 {
		t.Error("BytesRead should be > 0")
	}
}
