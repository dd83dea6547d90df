// Package download implements the high-level bootloader/stub command set
// and erase planner from spec.md §4.8, layered on top of internal/uart.
// Grounded on original_source/download.py's do_the_stuff()/execcmd() shape
// and, at the API surface level, on the teacher's app.go pattern of one
// bound method per user-facing action (there adapted from Wails GUI
// bindings to plain Go methods returning errors instead of emitting
// frontend events).
package download

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/rj45lab/bluetrum-tools/internal/bluelog"
	"github.com/rj45lab/bluetrum-tools/internal/cipher"
	"github.com/rj45lab/bluetrum-tools/internal/errs"
	"github.com/rj45lab/bluetrum-tools/internal/uart"
)

// ROM bootloader command set.
const (
	cmdIfaceParam     byte = 0x50
	cmdMemRead        byte = 0x52
	cmdAuthorize      byte = 0x55
	cmdMemWrite       byte = 0x57
	cmdSetCmdHandler  byte = 0x58
	cmdGetInfo        byte = 0x5A
	cmdReboot         byte = 0x5E
)

// Uploaded-stub command set.
const (
	stubInit     byte = 0x00
	stubDevRead  byte = 0x01
	stubDevWrite byte = 0x02
	stubDevErase byte = 0x03
)

// DevErase flags: which eraseblock granularity to use.
const (
	erase64K byte = 0x00
	erase4K  byte = 0x02
)

const maxIOChunk = 512

// stubBlobB64 is the opaque, interface-specific native loader uploaded to
// chip RAM before any stub command runs. Its contents are meaningless to
// this package beyond the patch window at bytes 4..24 — it is carried
// unmodified from the reference tool's dl_blob constant.
const stubBlobB64 = "bwBABgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" +
	"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAJcCAACTgsL/g6IC" +
	"AGOeAgJhEQbAKsKXAgAAk4IiXBcDAAATA6NbY9ZiACOgAgCRAt2/7wBAFpcCAACTgmL8g6ICAI" +
	"JAEkUhAYKCAAAYUTlxBt46xhMHACA6yBhBg0bVAoNHdQIYR8IGIwTxADrKWEGDR4UCGEejBPEA" +
	"g1dFAjrMSWcTB8cUOs5JZxMHZxI60ANHxQIq1CMV8QBiB1WPg0b1AlWPg0blAigAogZVjzrSN3" +
	"diABMHVzc61rEp8lAhYYKAQREmwgRRIsQGxshALoTv0JZ3yEDv0HZ3bd2yQCKFIkSSREEBgoBB" +
	"ESbCBFEixAbGiEAuhO/QNnWIQO/QFnVt3bJAIoUiRJJEQQGCgG/QdnMBES6FBs4uxu/QdnLyQD" +
	"JFBWGCgFhBOXEG3oNHBwBUXSME8QCDR1cANsY6zJMGACBJZzbIEwdnFxRBOs5JZxMHJxc2yjrQ" +
	"g0aVAANHhQCjBPEAwgZiB1WPg0a1ADxBKtRVj4NGpQAoACMV8QCiBlWPOtI3Z3J0EwdXFzrWYS" +
	"byUCFhgoBBEQbGrS7JZ5OHRwDYR7dncnSTh1cXYxz3AMlnSWeTh6cYIyD3BrJAAUVBAYKAt3di" +
	"AJOHVzfjGPf+yWdJZ5OHBwvFtwEAfRV1/YKAkweACphDkxb3AOPbBv5BZ9jHgoCTB4AKmEM9m5" +
	"jDyMPFt0ERIsQTBIAKHEAGxpPnBwEcwJMH8A9cwNk3SECyQCJEE3X1D0EBgoCTB4AKmEM9m5jD" +
	"yMuMy2W3kweACphDE2cHAZjDyMuMy1m/IyQACoVHYxH1BJMHAHARR5jD2Edtm9jHJUeYw9hHWZ" +
	"vYx0FHIy7gANhLE2cnA9jL2EcTd/f82MfYTxNnJwDYz9hHE2cnANjHkweACozHmEMTZxcAmMMT" +
	"B8A0HEPpmxzDgoCDJ8ABQUeT9wcPY5XnAJFHIyLwcIKAgyfAAUFHk/cHD2OV5wCRRyMg8HCCgE" +
	"ERBsbBPxlFCT+yQEEB8b8BEQbOIswuxiqEbT8TBfAJ7T2yRSKFLT9iRPJABWF1vwERBs4uxiLM" +
	"KoRpPxMFsATpPQFF2T0BRck9AUX5NQFF6TWyRSKFKTdiRPJABWFxtwERBs4yxiLMJsoqhK6EnT" +
	"cTBaAFXTUTVQRBE3X1D3E9E1WEQBN19Q9JPRN19A9xNQFFYTWyRSaF4TViRPJA0kQFYaG3AREG" +
	"zjLGIswmyiqEroQNNy1FlTUTVQRBE3X1D6k9E1WEQBN19Q+BPRN19A+pNQFFmTWyRSaFWTViRP" +
	"JA0kQFYRm3AREGziLMJsoyxq6EKoTFNQlFDTUTVQRBE3X1DyE9E1WEQBN19Q85NRN19A8hNbJF" +
	"JoUlPWJE8kDSRAVh4bVBEQbGIsQqhGU1EwUAAuUzE1UEQRN19Q/5OxNVhEATdfUP0TsTdfQP+T" +
	"MiRLJAQQFZvUERBsYixCqEnT0TBYANXTsTVQRBE3X1D3UzE1WEQBN19Q9NMxN19A9xOyJEskBB" +
	"AZW1QREGxqE1FUVpM1k7BYl1/bJAQQG5tQERaACNRQbOrTWDR8EAA0fRAANF4QDyQMIHIgfZj1" +
	"2NBWGCgM21AREmykrITsZSxAbOIswqia6JsoQTCgAQY0qQAPJAYkTSREJJskkiSgVhgoATdPkP" +
	"MwSKQGPThAAmhAk1zoVKhSKGxTWimb0/IpmBjPG3AREizCrGBs4uhNUzMkUByIVHYwj0AGJE8k" +
	"AFYam/1T3dvw03zb+CgAERIswGzibKSshOxoNHBQAJRyqEY4jnBmNl9wKV70RF79B2MIVFiMAu" +
	"hTkzJT/IwMFFE4WEAMEzXEjhRSKFgpchoA1HY4bnBvJAYkTSREJJskkBRQVhgoCDKUUAA1klAO" +
	"NUIP8ERGNTmQDKhExEToUmhuU7XEimhSKFgpczCZlAppn5v4MpRQADWSUA414g+wREY1OZAMqE" +
	"HEymhSKFgpcMSE6FJobVNTMJmUCmmfm/g0UVAEhBhYGFiZPFFQApP2G3"

var stubBlob []byte

func init() {
	b, err := base64.StdEncoding.DecodeString(stubBlobB64)
	if err != nil {
		panic("download: embedded stub blob failed to decode: " + err.Error())
	}
	stubBlob = b
}

// Session drives one bootloader conversation over a Framer.
type Session struct {
	f         *uart.Framer
	l         *bluelog.Logger
	blocksize int
	iface     string
}

// New wraps a Framer with the given fixed transfer blocksize (512 for
// UART) and interface tag ("uart" or "usb").
func New(f *uart.Framer, iface string, blocksize int, log *bluelog.Logger) *Session {
	if log == nil {
		log = bluelog.Discard
	}
	return &Session{f: f, l: log, blocksize: blocksize, iface: iface}
}

func commandBlock(cmd byte, arg1 uint32, arg2 byte, arg3 uint16) []byte {
	buf := make([]byte, 8)
	buf[0] = cmd
	binary.BigEndian.PutUint32(buf[1:5], arg1)
	buf[5] = arg2
	binary.BigEndian.PutUint16(buf[6:8], arg3)
	return buf
}

// execCmd sends one command block, optionally streams send as repeated
// data packets, or accumulates recvSize bytes from repeated data packets.
// It mirrors download.py's execcmd(), including its "short block ends the
// transfer early" behavior for reads.
func (s *Session) execCmd(cb []byte, send []byte, recvSize int) ([]byte, error) {
	if err := s.f.Send(cb); err != nil {
		return nil, err
	}

	if send != nil {
		sent := 0
		for sent < len(send) {
			n := len(send) - sent
			if n > maxIOChunk {
				n = maxIOChunk
			}
			if err := s.f.Send(send[sent : sent+n]); err != nil {
				return nil, err
			}
			sent += n
		}
		return nil, nil
	}

	if recvSize > 0 {
		data := make([]byte, 0, recvSize)
		for len(data) < recvSize {
			want := recvSize - len(data)
			if want > maxIOChunk {
				want = maxIOChunk
			}
			block, err := s.f.Recv()
			if err != nil {
				return nil, err
			}
			data = append(data, block...)
			if len(block) != want {
				break
			}
		}
		return data, nil
	}

	return nil, nil
}

// DeviceInfo is the ROM bootloader's GET_INFO response.
type DeviceInfo struct {
	ChipID   [12]byte
	LoadAddr uint32
	CommsKey uint32
}

// GetInfo issues the ROM bootloader's GET_INFO command.
func (s *Session) GetInfo() (*DeviceInfo, error) {
	resp, err := s.execCmd(commandBlock(cmdGetInfo, 0x5259414E, 0, 0x67ca), nil, 24)
	if err != nil {
		return nil, err
	}
	if len(resp) != 24 {
		return nil, errs.New(errs.IoShort, "get_info: expected 24 bytes, got %d", len(resp))
	}
	info := &DeviceInfo{}
	copy(info.ChipID[:], resp[0:12])
	info.LoadAddr = binary.BigEndian.Uint32(resp[12:16])
	info.CommsKey = binary.BigEndian.Uint32(resp[16:20])
	s.l.Printf("get_info: chip_id=%s load_addr=%#x comms_key=%#x", info.ChipID, info.LoadAddr, info.CommsKey)
	return info, nil
}

// Authorize derives the session key from the comms key via calc_key and
// exchanges it for the chip's rolled-over comms key.
func (s *Session) Authorize(commsKey uint32) (uint32, error) {
	resp, err := s.execCmd(commandBlock(cmdAuthorize, cipher.CalcKey(commsKey, 0xFFFF), 0, 0), nil, 4)
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, errs.New(errs.IoShort, "authorize: expected 4 bytes, got %d", len(resp))
	}
	newKey := binary.BigEndian.Uint32(resp)
	s.l.Printf("authorize: new comms_key=%#x", newKey)
	return newKey, nil
}

// SwitchClockReference issues the IFACE_PARAM variant that moves the chip
// onto a faster clock reference before a baud-rate change.
func (s *Session) SwitchClockReference() error {
	_, err := s.execCmd(commandBlock(cmdIfaceParam, 0, 0xf0, 0), nil, 2)
	return err
}

// SetBaud issues the IFACE_PARAM variant that changes the active baud
// rate. Callers must reconfigure their own transport's baud rate
// immediately afterward — that is a transport concern, not this
// package's.
func (s *Session) SetBaud(baud uint32) error {
	_, err := s.execCmd(commandBlock(cmdIfaceParam, baud, 0x02, 0), nil, 2)
	return err
}

// UploadStub patches the embedded stub blob with the chip ID, interface
// tag, and blocksize, pads it to a blocksize multiple, uploads it to
// loadAddr via MEM_WRITE, then hands control to it via SET_CMD_HANDLER.
func (s *Session) UploadStub(chipID [12]byte, loadAddr uint32) error {
	s.l.Printf("upload_stub: chip_id=%s load_addr=%#x iface=%s", chipID, loadAddr, s.iface)
	data := append([]byte(nil), stubBlob...)
	pad := (-len(data)) % s.blocksize
	if pad < 0 {
		pad += s.blocksize
	}
	data = append(data, make([]byte, pad)...)

	if len(data) < 24 {
		return errs.New(errs.ProtocolBug, "stub blob shorter than the patch window")
	}
	copy(data[4:16], chipID[:])
	var ifaceTag [4]byte
	copy(ifaceTag[:], s.iface)
	copy(data[16:20], ifaceTag[:])
	binary.LittleEndian.PutUint32(data[20:24], uint32(s.blocksize))

	blockCount := uint16(len(data) / s.blocksize)
	if _, err := s.execCmd(commandBlock(cmdMemWrite, loadAddr, 0, blockCount), data, 0); err != nil {
		return err
	}
	_, err := s.execCmd(commandBlock(cmdSetCmdHandler, loadAddr, 0, 0), nil, 0)
	return err
}

// StubInfo is the uploaded stub's INIT response.
type StubInfo struct {
	CodeKey  uint32
	FlashID  uint32
	FlashUID [16]byte
}

// StubInit issues the uploaded stub's INIT command.
func (s *Session) StubInit() (*StubInfo, error) {
	resp, err := s.execCmd(commandBlock(stubInit, 0, 0, 0), nil, 24)
	if err != nil {
		return nil, err
	}
	if len(resp) != 24 {
		return nil, errs.New(errs.IoShort, "stub init: expected 24 bytes, got %d", len(resp))
	}
	info := &StubInfo{
		CodeKey: binary.BigEndian.Uint32(resp[0:4]),
		FlashID: binary.BigEndian.Uint32(resp[4:8]),
	}
	copy(info.FlashUID[:], resp[8:24])
	return info, nil
}

// FlashSizeFromID guesses the flash chip's capacity from the low byte of
// its JEDEC-ish ID, the same "quick and dirty" heuristic the reference
// tool uses: a density byte in [0x10, 0x18] means size = 1 << density.
func FlashSizeFromID(flashID uint32) (size uint64, ok bool) {
	density := flashID & 0xFF
	if density < 0x10 || density > 0x18 {
		return 0, false
	}
	return uint64(1) << density, true
}

// DevRead reads size bytes starting at addr via the stub's DEV_READ,
// using at most maxIOChunk-sized transfers per the stub's per-block
// limit (the download session never interleaves commands, so the whole
// read completes before this call returns).
func (s *Session) DevRead(addr uint32, size int) ([]byte, error) {
	s.l.Printf("dev_read: addr=%#x size=%d", addr, size)
	out := make([]byte, 0, size)
	for len(out) < size {
		n := size - len(out)
		if n > maxIOChunk {
			n = maxIOChunk
		}
		block, err := s.execCmd(commandBlock(stubDevRead, addr+uint32(len(out)), 0, uint16(n)), nil, n)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		if len(block) != n {
			s.l.Printf("dev_read: short block at %#x (%d of %d bytes), ending transfer early", addr+uint32(len(out))-uint32(len(block)), len(block), n)
			break
		}
	}
	return out, nil
}

// DevWrite writes data to addr via the stub's DEV_WRITE, in
// maxIOChunk-sized bursts.
func (s *Session) DevWrite(addr uint32, data []byte) error {
	s.l.Printf("dev_write: addr=%#x size=%d", addr, len(data))
	done := 0
	for done < len(data) {
		n := len(data) - done
		if n > maxIOChunk {
			n = maxIOChunk
		}
		if _, err := s.execCmd(commandBlock(stubDevWrite, addr+uint32(done), 0, uint16(n)), data[done:done+n], 0); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// EraseStep is one DEV_ERASE call the planner decided to issue.
type EraseStep struct {
	Addr  uint32
	Size  uint32
	Flags byte
}

// PlanErase snaps [addr, addr+size) outward to 4 KiB boundaries and splits
// it into a sequence of erase steps, preferring 64 KiB blocks whenever
// the current address is 64 KiB-aligned and at least 64 KiB remain —
// spec.md §4.8 and §8's testable property S7.
func PlanErase(addr, size uint32) []EraseStep {
	start := addr &^ 0xFFF
	end := (addr + size + 0xFFF) &^ 0xFFF

	var steps []EraseStep
	for a := start; a < end; {
		var blk uint32
		var flags byte
		if end-a >= 0x10000 && a&0xFFFF == 0 {
			blk, flags = 0x10000, erase64K
		} else {
			blk, flags = 0x1000, erase4K
		}
		steps = append(steps, EraseStep{Addr: a, Size: blk, Flags: flags})
		a += blk
	}
	return steps
}

// Erase plans and issues DEV_ERASE commands covering [addr, addr+size).
func (s *Session) Erase(addr, size uint32) error {
	steps := PlanErase(addr, size)
	s.l.Printf("erase: [%#x, %#x) planned as %d step(s)", addr, addr+size, len(steps))
	for _, step := range steps {
		s.l.Printf("erase: step addr=%#x size=%#x flags=%#02x", step.Addr, step.Size, step.Flags)
		if _, err := s.execCmd(commandBlock(stubDevErase, step.Addr, step.Flags, 0), nil, 0); err != nil {
			return err
		}
	}
	return nil
}

// Reboot issues the ROM bootloader's REBOOT command.
func (s *Session) Reboot() error {
	_, err := s.execCmd(commandBlock(cmdReboot, 0, 0, 0), nil, 0)
	return err
}
