package download

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/rj45lab/bluetrum-tools/internal/uart"
)

// alwaysAckChip is a transport.Transport fake that ACKs every DATA packet
// it receives (using the counter the framer just sent) and records each
// packet's unwrapped payload, in order — enough to drive a full Session
// call and inspect exactly what bytes it tried to send on the wire.
type alwaysAckChip struct {
	echo     bytes.Buffer
	reply    bytes.Buffer
	payloads [][]byte
}

func (c *alwaysAckChip) Write(p []byte) (int, error) {
	c.echo.Write(p)
	// dataPacket layout: token(1) counter(1) size(2 le) payload(size) crc(2)
	if len(p) >= 4 {
		size := int(binary.LittleEndian.Uint16(p[2:4]))
		if len(p) >= 4+size {
			c.payloads = append(c.payloads, append([]byte(nil), p[4:4+size]...))
		}
		counter := p[1]
		c.reply.Write([]byte{0x1E, counter}) // respACK
	}
	return len(p), nil
}

func (c *alwaysAckChip) Read(p []byte) (int, error) {
	if c.echo.Len() > 0 {
		return c.echo.Read(p)
	}
	if c.reply.Len() > 0 {
		return c.reply.Read(p)
	}
	return 0, io.EOF
}

func (c *alwaysAckChip) SetTimeout(time.Duration) error { return nil }
func (c *alwaysAckChip) Close() error                   { return nil }

func TestPlanErasePrefers64KWhenAligned(t *testing.T) {
	steps := PlanErase(0x10000, 0x20000)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d: %+v", len(steps), steps)
	}
	for i, s := range steps {
		if s.Size != 0x10000 || s.Flags != erase64K {
			t.Errorf("step %d: got size %#x flags %#x, want 64K erase", i, s.Size, s.Flags)
		}
	}
	if steps[0].Addr != 0x10000 || steps[1].Addr != 0x20000 {
		t.Errorf("unexpected step addresses: %+v", steps)
	}
}

func TestPlanEraseSnapsToBoundariesWithSmallSpan(t *testing.T) {
	// A 1-byte erase at 0x1000 should snap outward to exactly one 4KiB
	// block; it can never use a 64KiB block since its span is under 64KiB.
	steps := PlanErase(0x1000, 1)
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d: %+v", len(steps), steps)
	}
	if steps[0].Addr != 0x1000 || steps[0].Size != 0x1000 || steps[0].Flags != erase4K {
		t.Errorf("unexpected step: %+v", steps[0])
	}
}

func TestPlanEraseMixes4KHeadAnd64KBody(t *testing.T) {
	// Starts mid-block (not 64KiB-aligned) so the leading edge must use 4KiB
	// steps until reaching a 64KiB boundary, then can switch to 64KiB.
	steps := PlanErase(0x11000, 0x20000)
	if len(steps) == 0 {
		t.Fatal("expected at least one step")
	}
	var saw4K, saw64K bool
	for _, s := range steps {
		if s.Addr%uint32(s.Size) != 0 {
			t.Errorf("step not aligned to its own size: %+v", s)
		}
		saw4K = saw4K || s.Flags == erase4K
		saw64K = saw64K || s.Flags == erase64K
	}
	if !saw4K || !saw64K {
		t.Errorf("expected both 4KiB and 64KiB steps, got %+v", steps)
	}
	total := uint32(0)
	for _, s := range steps {
		total += s.Size
	}
	wantStart := uint32(0x11000) &^ 0xFFF
	wantEnd := (uint32(0x11000) + 0x20000 + 0xFFF) &^ 0xFFF
	if total != wantEnd-wantStart {
		t.Errorf("steps cover %#x bytes, want %#x", total, wantEnd-wantStart)
	}
}

func TestFlashSizeFromID(t *testing.T) {
	size, ok := FlashSizeFromID(0xC84016) // density byte 0x16 -> 4 MiB
	if !ok || size != 1<<0x16 {
		t.Fatalf("FlashSizeFromID(0x...16) = (%d, %v), want (%d, true)", size, ok, uint64(1)<<0x16)
	}
	if _, ok := FlashSizeFromID(0xC84099); ok {
		t.Fatal("expected an unrecognized density byte to report ok=false")
	}
}

func TestCommandBlockLayout(t *testing.T) {
	cb := commandBlock(cmdGetInfo, 0x5259414E, 0x07, 0x67ca)
	if len(cb) != 8 {
		t.Fatalf("command block should be 8 bytes, got %d", len(cb))
	}
	if cb[0] != cmdGetInfo {
		t.Errorf("cmd byte = %#02x, want %#02x", cb[0], cmdGetInfo)
	}
	if cb[5] != 0x07 {
		t.Errorf("arg2 byte = %#02x, want 0x07", cb[5])
	}
	if cb[6] != 0x67 || cb[7] != 0xca {
		t.Errorf("arg3 bytes = %02x %02x, want 67 ca", cb[6], cb[7])
	}
}

func TestUploadStubPatchesWindowAndZeroPadsShortInterfaceTag(t *testing.T) {
	chip := &alwaysAckChip{}
	f := uart.New(chip, nil)
	s := New(f, "usb", 512, nil) // "usb" is 3 bytes, needs zero-padding to 4

	var chipID [12]byte
	copy(chipID[:], "PRAO0001XYZ")

	if err := s.UploadStub(chipID, 0x10800); err != nil {
		t.Fatalf("UploadStub: %v", err)
	}

	if len(chip.payloads) < 2 {
		t.Fatalf("expected at least 2 sent packets (command block + first stub chunk), got %d", len(chip.payloads))
	}
	firstChunk := chip.payloads[1]
	if len(firstChunk) < 24 {
		t.Fatalf("first stub chunk too short: %d bytes", len(firstChunk))
	}

	if !bytes.Equal(firstChunk[4:16], chipID[:]) {
		t.Errorf("chip ID window = %x, want %x", firstChunk[4:16], chipID[:])
	}
	wantIface := [4]byte{'u', 's', 'b', 0}
	if !bytes.Equal(firstChunk[16:20], wantIface[:]) {
		t.Errorf("interface tag window = %x, want %x (zero-padded)", firstChunk[16:20], wantIface[:])
	}
	if got := binary.LittleEndian.Uint32(firstChunk[20:24]); got != 512 {
		t.Errorf("blocksize window = %d, want 512", got)
	}
}
