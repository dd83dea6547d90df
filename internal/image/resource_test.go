package image

import (
	"strings"
	"testing"
)

func TestBuildParseResourceBlobRoundTrip(t *testing.T) {
	const base = 0x11000000
	files := []ResourceFile{
		{Name: "icon.bin", Data: []byte{1, 2, 3, 4, 5}},
		{Name: "empty.bin", Data: nil},
		{Name: "dir_sub_font.bin", Data: []byte("hello, resource blob")},
	}

	blob := BuildResourceBlob(files, base, 32)

	entries, err := ParseResourceBlob(blob, base)
	if err != nil {
		t.Fatalf("ParseResourceBlob: %v", err)
	}
	if len(entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(entries), len(files))
	}

	for i, f := range files {
		e := entries[i]
		if e.Name != f.Name {
			t.Errorf("entry %d: name = %q, want %q", i, e.Name, f.Name)
		}
		if e.Size != uint32(len(f.Data)) {
			t.Errorf("entry %d: size = %d, want %d", i, e.Size, len(f.Data))
		}
		if len(f.Data) == 0 {
			if e.Data != nil {
				t.Errorf("entry %d: expected nil data for a zero-size entry", i)
			}
			continue
		}
		if string(e.Data) != string(f.Data) {
			t.Errorf("entry %d: data mismatch: got %q, want %q", i, e.Data, f.Data)
		}
	}
}

func TestBuildOrderFileListsEveryEntryInOrder(t *testing.T) {
	entries := []ResourceEntry{{Name: "a.bin"}, {Name: "b.bin"}, {Name: "c.bin"}}
	out := BuildOrderFile(entries)
	for _, e := range entries {
		if !strings.Contains(out, e.Name) {
			t.Errorf("order file missing entry %q", e.Name)
		}
	}
	ai := strings.Index(out, "a.bin")
	bi := strings.Index(out, "b.bin")
	ci := strings.Index(out, "c.bin")
	if !(ai < bi && bi < ci) {
		t.Fatal("order file did not preserve entry order")
	}
}

func TestParseResourceBlobRejectsBadMagic(t *testing.T) {
	_, err := ParseResourceBlob(make([]byte, 64), 0x11000000)
	if err == nil {
		t.Fatal("expected an error for a blob missing the ENTR magic")
	}
}
