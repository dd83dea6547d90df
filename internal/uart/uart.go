// Package uart implements the stop-and-wait, counter-ordered, CRC-framed
// token protocol described in spec.md §4.7 — the richer PING/NYET/sticky
// state machine, not the simpler always-retry protocol in
// original_source/bluetrum/dl/uart.py (which this supersedes: see
// spec.md §9 and DESIGN.md). Grounded on the teacher's internal/zmodem
// sender.go/receiver.go state-machine shape (explicit state field, retry
// counters, a LogFunc hook) adapted to this protocol's token set.
package uart

import (
	"encoding/binary"

	"github.com/rj45lab/bluetrum-tools/internal/bluelog"
	"github.com/rj45lab/bluetrum-tools/internal/crc"
	"github.com/rj45lab/bluetrum-tools/internal/errs"
	"github.com/rj45lab/bluetrum-tools/internal/transport"
)

// Host-to-chip tokens.
const (
	tokenData        byte = 0x4B
	tokenDataRequest byte = 0xB4
	tokenPing        byte = 0xC3
)

// Chip-to-host response tokens.
const (
	respACK  byte = 0x1E
	respNAK  byte = 0x2D
	respNYET byte = 0x3C
	respData byte = 0x4B // same value as tokenData, returned when recv() gets a payload
)

var (
	SyncToken  = [4]byte{0xA5, 0x96, 0x87, 0x5A}
	SyncResp   = [4]byte{0x5A, 0x69, 0x78, 0xA5}
	ResetToken = [2]byte{0xF5, 0xA0}
)

const maxRetries = 10

// Framer drives the token protocol over a transport.Transport. It is not
// safe for concurrent use — the protocol is inherently stop-and-wait,
// one outstanding packet at a time, per session.
type Framer struct {
	t transport.Transport
	l *bluelog.Logger

	counter byte
	sticky  bool // set by send() on NYET, consumed as the "maybe_ping" precondition
}

// New wraps a transport in a Framer. log may be nil (bluelog.Discard is
// then used).
func New(t transport.Transport, log *bluelog.Logger) *Framer {
	if log == nil {
		log = bluelog.Discard
	}
	return &Framer{t: t, l: log}
}

func (f *Framer) nextCounter() byte {
	f.counter = (f.counter + 1) & 0xFF
	return f.counter
}

// writeAndEatEcho writes p and discards the line's local echo of it —
// a short echo is reported as an EchoMissing error.
func (f *Framer) writeAndEatEcho(p []byte) error {
	if _, err := f.t.Write(p); err != nil {
		return errs.NewAt(errs.IoTimeout, "uart", "write: %v", err)
	}
	echo := make([]byte, len(p))
	n, err := readFull(f.t, echo)
	if err != nil || n < len(p) {
		return errs.NewAt(errs.EchoMissing, "uart", "short echo: got %d of %d bytes", n, len(p))
	}
	return nil
}

func readFull(t transport.Transport, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := t.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total < len(buf) {
		return total, errs.ErrIoTimeout
	}
	return total, nil
}

func (f *Framer) readResponse() (token, counter byte, err error) {
	buf := make([]byte, 2)
	if _, err := readFull(f.t, buf); err != nil {
		return 0, 0, errs.NewAt(errs.IoTimeout, "uart", "response read: %v", err)
	}
	return buf[0], buf[1], nil
}

func dataPacket(token, counter byte, payload []byte) []byte {
	p := make([]byte, 0, 4+len(payload)+2)
	p = append(p, token, counter)
	var szBuf [2]byte
	binary.LittleEndian.PutUint16(szBuf[:], uint16(len(payload)))
	p = append(p, szBuf[:]...)
	p = append(p, payload...)
	c := crc.CRC16(payload, 0xFFFF)
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], c)
	p = append(p, crcBuf[:]...)
	return p
}

// Send implements spec.md §4.7's send() state machine: a sticky PING/NYET
// loop in front of a DATA transmission.
func (f *Framer) Send(payload []byte) error {
	maybePing := f.sticky

	for attempt := 0; attempt < maxRetries; attempt++ {
		if maybePing {
			counter := f.nextCounter()
			if err := f.writeAndEatEcho([]byte{tokenPing, counter}); err != nil {
				return err
			}
			tok, respCounter, err := f.readResponse()
			if err != nil {
				continue
			}
			if respCounter != counter {
				return errs.NewAt(errs.CounterMismatch, "uart", "ping response counter %#02x != sent %#02x", respCounter, counter)
			}
			switch tok {
			case respACK:
				maybePing = false
				// fall through to the DATA branch on the next loop iteration
				continue
			case respNAK:
				continue
			default:
				return errs.NewAt(errs.UnexpectedToken, "uart", "unexpected ping response %#02x", tok)
			}
		}

		counter := f.nextCounter()
		packet := dataPacket(tokenData, counter, payload)
		if err := f.writeAndEatEcho(packet); err != nil {
			return err
		}
		tok, respCounter, err := f.readResponse()
		if err != nil {
			continue
		}
		if respCounter != counter {
			return errs.NewAt(errs.CounterMismatch, "uart", "data response counter %#02x != sent %#02x", respCounter, counter)
		}

		switch tok {
		case respACK:
			f.sticky = false
			return nil
		case respNYET:
			f.l.Printf("send: NYET on counter %#02x, going sticky", counter)
			f.sticky = true
			return nil
		case respNAK:
			f.l.Printf("send: NAK on counter %#02x, re-pinging before retry", counter)
			maybePing = true
			continue
		default:
			return errs.NewAt(errs.UnexpectedToken, "uart", "unexpected data response %#02x", tok)
		}
	}

	return errs.NewAt(errs.IoTimeout, "uart", "send: no progress after %d attempts", maxRetries)
}

// Recv implements spec.md §4.7's recv(): a CRC mismatch on the received
// payload reuses the same counter (the chip already queued that block —
// DATA_REQUEST just asks it to resend), while a NAK draws a fresh one (the
// chip simply has nothing yet).
func (f *Framer) Recv() ([]byte, error) {
	counter := f.nextCounter()
	crcFailures := 0

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := f.writeAndEatEcho([]byte{tokenDataRequest, counter}); err != nil {
			return nil, err
		}
		tok, respCounter, err := f.readResponse()
		if err != nil {
			continue
		}
		if respCounter != counter {
			return nil, errs.NewAt(errs.CounterMismatch, "uart", "recv response counter %#02x != sent %#02x", respCounter, counter)
		}

		switch tok {
		case respData:
			szBuf := make([]byte, 2)
			if _, err := readFull(f.t, szBuf); err != nil {
				return nil, errs.NewAt(errs.IoTimeout, "uart", "data size read: %v", err)
			}
			size := binary.LittleEndian.Uint16(szBuf)
			payload := make([]byte, size)
			if _, err := readFull(f.t, payload); err != nil {
				return nil, errs.NewAt(errs.IoShort, "uart", "data payload read: %v", err)
			}
			crcBuf := make([]byte, 2)
			if _, err := readFull(f.t, crcBuf); err != nil {
				return nil, errs.NewAt(errs.IoTimeout, "uart", "data crc read: %v", err)
			}
			wantCRC := binary.LittleEndian.Uint16(crcBuf)
			if crc.CRC16(payload, 0xFFFF) != wantCRC {
				// recovered by re-issuing DATA_REQUEST with the *same*
				// counter — the chip already has this block queued, a
				// fresh counter would just draw a new one instead of
				// the retransmit we asked for.
				crcFailures++
				f.l.Printf("recv: CRC mismatch on counter %#02x, re-requesting same counter", counter)
				continue
			}
			return payload, nil
		case respNAK:
			// the chip has nothing yet: ask again with a fresh counter,
			// unlike a plain I/O timeout which retries the same counter.
			f.l.Printf("recv: NAK on counter %#02x, drawing a fresh counter", counter)
			counter = f.nextCounter()
			crcFailures = 0
			continue
		default:
			return nil, errs.NewAt(errs.UnexpectedToken, "uart", "unexpected recv response %#02x", tok)
		}
	}

	if crcFailures > 0 {
		return nil, errs.NewAt(errs.CrcMismatch, "uart", "recv: data failed CRC check after %d retries", crcFailures)
	}
	return nil, errs.NewAt(errs.IoTimeout, "uart", "recv: no data after %d attempts", maxRetries)
}

// SendReset implements spec.md §4.7's send_reset(): a soft reset writes
// RESET_TOKEN alone; a hard reset appends SYNC_TOKEN, rebooting the chip.
// Either way the local counter and sticky-ping state are cleared.
func (f *Framer) SendReset(hard bool) error {
	p := append([]byte{}, ResetToken[:]...)
	if hard {
		p = append(p, SyncToken[:]...)
	}
	err := f.writeAndEatEcho(p)
	f.counter = 0
	f.sticky = false
	return err
}

// Sync performs the sync handshake: repeatedly transmit SYNC_TOKEN and
// read 4 bytes until SYNC_RESP comes back, per spec.md §4.8.
func (f *Framer) Sync(maxAttempts int) error {
	for i := 0; i < maxAttempts; i++ {
		if _, err := f.t.Write(SyncToken[:]); err != nil {
			continue
		}
		resp := make([]byte, 4)
		n, err := readFull(f.t, resp)
		if err != nil || n < 4 {
			continue
		}
		if [4]byte{resp[0], resp[1], resp[2], resp[3]} == SyncResp {
			f.counter = 0
			f.sticky = false
			return nil
		}
	}
	return errs.NewAt(errs.IoTimeout, "uart", "sync handshake failed after %d attempts", maxAttempts)
}
