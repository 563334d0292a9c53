// Command servoscon attaches the local terminal to a kernel's serial
// console, typically a QEMU chardev socket:
//
//	qemu-system-riscv64 ... -serial unix:/tmp/servos.sock,server,nowait
//	servoscon unix:/tmp/servos.sock
//
// The terminal is put into raw mode so control characters reach the guest;
// Ctrl-] detaches.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {
	escape := flag.String("escape", "^]", "detach character (^X notation)")
	title := flag.Bool("title", true, "set the terminal title while attached")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: servoscon [flags] <unix:/path | tcp:host:port | host:port>")
		os.Exit(2)
	}

	esc, err := parseEscape(*escape)
	if err != nil {
		fatal(err)
	}

	conn, err := dial(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		fatal(fmt.Errorf("stdin is not a terminal"))
	}
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		fatal(err)
	}
	restore := func() { _ = term.Restore(stdin, oldState) }
	defer restore()

	if *title {
		os.Stdout.WriteString(ansi.SetWindowTitle("servoscon: " + flag.Arg(0)))
		defer os.Stdout.WriteString(ansi.SetWindowTitle(""))
	}
	fmt.Printf("connected to %s, %s detaches\r\n", flag.Arg(0), *escape)

	// SIGWINCH just redraws the hint line; serial has no size channel to
	// forward resizes into.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	go func() {
		for range winch {
			if w, _, err := term.GetSize(stdin); err == nil && w > 0 {
				os.Stdout.WriteString(ansi.EraseLineRight)
			}
		}
	}()

	r := &Relay{
		Conn:   conn,
		In:     os.Stdin,
		Out:    os.Stdout,
		Escape: esc,
	}
	if err := r.Run(); err != nil {
		restore()
		fatal(err)
	}
	fmt.Print("\r\ndetached\r\n")
}

func dial(addr string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		return net.Dial("unix", strings.TrimPrefix(addr, "unix:"))
	case strings.HasPrefix(addr, "tcp:"):
		return net.Dial("tcp", strings.TrimPrefix(addr, "tcp:"))
	default:
		return net.Dial("tcp", addr)
	}
}

// parseEscape turns "^]" style notation into a byte.
func parseEscape(s string) (byte, error) {
	if len(s) == 2 && s[0] == '^' && s[1] >= '@' && s[1] <= '_' {
		return s[1] - '@', nil
	}
	if len(s) == 1 {
		return s[0], nil
	}
	return 0, fmt.Errorf("bad escape %q, want ^X or a single character", s)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "servoscon: %v\n", err)
	os.Exit(1)
}
