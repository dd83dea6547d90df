package image

import (
	"bytes"
	"testing"
)

func TestBuildParseRegionRoundTripUnscrambled(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, 2048)
	r := BuildRegion([4]byte{'X', 'C', 'O', 'D'}, payload, nil, false, 0x2000)

	parsed, err := ParseRegion(r.Bytes, 0, nil, r.DataCRC, false)
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}
	if !parsed.HeaderCRCOK {
		t.Error("header CRC should verify")
	}
	if !parsed.DataCRCOK {
		t.Error("data CRC should verify")
	}
	if len(parsed.BlockCRCErr) != 0 {
		t.Errorf("unexpected block CRC errors: %v", parsed.BlockCRCErr)
	}
	if !bytes.Equal(parsed.Data, payload) {
		t.Fatalf("round-tripped data mismatch")
	}
}

func TestBuildParseRegionRoundTripScrambled(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, 1536)
	key := uint32(0x12345678)
	r := BuildRegion([4]byte{'X', 'R', 'E', 'S'}, payload, &key, true, 0x4000)

	parsed, err := ParseRegion(r.Bytes, 0, &key, r.DataCRC, true)
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}
	if !parsed.DataCRCOK {
		t.Error("data CRC should verify after descrambling")
	}
	if !bytes.Equal(parsed.Data, payload) {
		t.Fatalf("round-tripped data mismatch after scrambling")
	}
}

func TestParseRegionWrongKeyCorruptsData(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1024)
	key := uint32(0xCAFEBABE)
	r := BuildRegion([4]byte{'X', 'C', 'O', 'D'}, payload, &key, true, 0)

	wrongKey := uint32(0xCAFEBABF)
	parsed, err := ParseRegion(r.Bytes, 0, &wrongKey, r.DataCRC, true)
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}
	if parsed.DataCRCOK {
		t.Fatal("data CRC should not verify when descrambled with the wrong key")
	}
}

func TestBuildRegionNonLastOmitsPagePadding(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 512)
	r := BuildRegion([4]byte{'X', 'C', 'O', 'D'}, payload, nil, false, 0)
	if len(r.Bytes)%4096 == 0 && len(r.Bytes) > r.DataOffset+r.DataSize {
		t.Fatalf("non-last region should not be padded to a 4KiB boundary beyond its data")
	}
}
