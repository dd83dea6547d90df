// Command download drives the bootloader over a UART-framed transport:
// sync, authorize, upload the stub, then issue erase/read/write commands.
// Grounded on original_source/download.py's do_the_stuff()/execcmd() and
// its sync-handshake loop; real serial-port and USB-MSC (SCSI) backends
// are external collaborators per spec.md §1 and are not implemented here
// — only the --tcp net.Conn-backed transport (internal/transport.Conn) is
// wired, so this binary only does something useful against a
// TCP-bridged UART (e.g. ser2net/socat) or a simulator.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rj45lab/bluetrum-tools/internal/bluelog"
	"github.com/rj45lab/bluetrum-tools/internal/download"
	"github.com/rj45lab/bluetrum-tools/internal/transport"
	"github.com/rj45lab/bluetrum-tools/internal/uart"
	"github.com/spf13/cobra"
)

type addrSize struct {
	addr uint64
	size uint64
}

func parseAddrSize(addrStr, sizeStr string) (addr, size uint64, err error) {
	addr, err = strconv.ParseUint(addrStr, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address %q: %w", addrStr, err)
	}
	size, err = strconv.ParseUint(sizeStr, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", sizeStr, err)
	}
	return addr, size, nil
}

func parseAddrSizePairs(args []string) ([]addrSize, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("expected address/size pairs, got an odd number of arguments")
	}
	var pairs []addrSize
	for i := 0; i+1 < len(args); i += 2 {
		addr, size, err := parseAddrSize(args[i], args[i+1])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, addrSize{addr: addr, size: size})
	}
	return pairs, nil
}

var (
	portFlag     string
	mscdevFlag   string
	tcpFlag      string
	initBaud     int
	targetBaud   int
	reboot       bool
)

func dial() (*uart.Framer, *download.Session, error) {
	if tcpFlag == "" {
		return nil, nil, fmt.Errorf("no transport available: --port (serial) and --mscdev (USB MSC) are external-collaborator backends not built into this binary; use --tcp host:port against a bridged or simulated UART")
	}

	conn, err := net.Dial("tcp", tcpFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", tcpFlag, err)
	}

	tp := transport.NewConn(conn)
	tp.SetTimeout(2 * time.Second)

	log := bluelog.New("DOWNLOAD")
	f := uart.New(tp, log)

	if err := f.Sync(200); err != nil {
		return nil, nil, err
	}

	sess := download.New(f, "uart", 512, log)
	return f, sess, nil
}

func handshake(sess *download.Session) (*download.StubInfo, uint64, bool, error) {
	info, err := sess.GetInfo()
	if err != nil {
		return nil, 0, false, err
	}
	fmt.Printf(" Chip ID:       %s\n", info.ChipID)
	fmt.Printf(" Load address:  $%08X\n", info.LoadAddr)
	fmt.Printf(" Init. commkey: $%08X\n", info.CommsKey)

	newKey, err := sess.Authorize(info.CommsKey)
	if err != nil {
		return nil, 0, false, err
	}
	fmt.Printf(" New commkey:   $%08X\n", newKey)

	if targetBaud != initBaud {
		fmt.Printf("Changing baudrate to %d baud...\n", targetBaud)
		if err := sess.SwitchClockReference(); err != nil {
			return nil, 0, false, err
		}
		if err := sess.SetBaud(uint32(targetBaud)); err != nil {
			return nil, 0, false, err
		}
	}

	if err := sess.UploadStub(info.ChipID, info.LoadAddr); err != nil {
		return nil, 0, false, err
	}

	stub, err := sess.StubInit()
	if err != nil {
		return nil, 0, false, err
	}
	fmt.Printf("- Code key: >>>> %08X <<<<\n", stub.CodeKey)
	fmt.Printf("- Flash device ID: %06X\n", stub.FlashID)
	fmt.Printf("- Flash unique ID: %x\n", stub.FlashUID)

	fsize, ok := download.FlashSizeFromID(stub.FlashID)
	if ok {
		fmt.Printf("- Flash size: %d bytes\n", fsize)
	} else {
		fmt.Println("- unknown flash size")
	}

	return stub, fsize, ok, nil
}

func resolveSize(addr, size uint64, fsize uint64, fsizeOK bool) (uint64, error) {
	if size > 0 {
		return size, nil
	}
	if !fsizeOK {
		return 0, fmt.Errorf("unknown flash size")
	}
	if fsize <= addr {
		return 0, fmt.Errorf("address is out of range")
	}
	return fsize - addr, nil
}

func withSession(action func(*download.Session, uint64, bool) error) error {
	_, sess, err := dial()
	if err != nil {
		return err
	}
	_, fsize, fsizeOK, err := handshake(sess)
	if err != nil {
		return err
	}
	if err := action(sess, fsize, fsizeOK); err != nil {
		return err
	}
	if reboot {
		return sess.Reboot()
	}
	return nil
}

func main() {
	root := &cobra.Command{Use: "download", Short: "Communicate with the bootloader in Bluetrum chips"}
	root.PersistentFlags().StringVar(&portFlag, "port", "", "serial port to use for UART bootloader (not built into this binary)")
	root.PersistentFlags().StringVar(&mscdevFlag, "mscdev", "", "USB MSC (SCSI) device to use for USB bootloader (not built into this binary)")
	root.PersistentFlags().StringVar(&tcpFlag, "tcp", "", "host:port of a TCP-bridged or simulated UART")
	root.PersistentFlags().IntVar(&initBaud, "init-baud", 115200, "initial baud rate")
	root.PersistentFlags().IntVar(&targetBaud, "baud", 921600, "baud rate to use")
	root.PersistentFlags().BoolVarP(&reboot, "reboot", "r", false, "reboot the chip after completion")

	root.AddCommand(&cobra.Command{
		Use:   "erase <address size>...",
		Short: "Erase one or more flash areas",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parseAddrSizePairs(args)
			if err != nil {
				return err
			}
			return withSession(func(sess *download.Session, fsize uint64, fsizeOK bool) error {
				for _, p := range pairs {
					size, err := resolveSize(p.addr, p.size, fsize, fsizeOK)
					if err != nil {
						return err
					}
					if err := sess.Erase(uint32(p.addr), uint32(size)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "read <address size file>...",
		Short: "Read the flash into a file",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(sess *download.Session, fsize uint64, fsizeOK bool) error {
				for i := 0; i+2 < len(args); i += 3 {
					addr, size, err := parseAddrSize(args[i], args[i+1])
					if err != nil {
						return err
					}
					size, err = resolveSize(addr, size, fsize, fsizeOK)
					if err != nil {
						return err
					}
					data, err := sess.DevRead(uint32(addr), int(size))
					if err != nil {
						return err
					}
					if err := os.WriteFile(args[i+2], data, 0o644); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "write <address file>...",
		Short: "Write a file into flash",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(sess *download.Session, fsize uint64, fsizeOK bool) error {
				for i := 0; i+1 < len(args); i += 2 {
					addr, _, err := parseAddrSize(args[i], "0")
					if err != nil {
						return err
					}
					data, err := os.ReadFile(args[i+1])
					if err != nil {
						return err
					}
					if err := sess.Erase(uint32(addr), uint32(len(data))); err != nil {
						return err
					}
					if err := sess.DevWrite(uint32(addr), data); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
