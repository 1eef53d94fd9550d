package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const babelTimeout = 5 * time.Second

var ErrBabelRefused = errors.New("babel refused command")

// Babel registers tunnel interfaces with the babel routing daemon over its
// local configuration socket so it starts measuring route quality on them.
type Babel struct {
	addr netip.AddrPort
}

func NewBabel(addr netip.AddrPort) *Babel {
	return &Babel{addr: addr}
}

// LocalBabel returns a Babel talking to the daemon on [::1]:port.
func LocalBabel(port uint16) *Babel {
	return NewBabel(netip.AddrPortFrom(netip.IPv6Loopback(), port))
}

func (b *Babel) Monitor(iface string) error {
	_, err := b.command("interface " + iface)
	return err
}

// command opens a fresh connection, waits for the greeting and runs a single
// command. A connection per command keeps the daemon from timing us out
// between sweeps.
func (b *Babel) command(cmd string) ([]string, error) {
	conn, err := net.DialTimeout("tcp", b.addr.String(), babelTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to babel at %s: %w", b.addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(babelTimeout))

	r := bufio.NewReader(conn)
	if _, err := readBabelReply(r); err != nil {
		return nil, fmt.Errorf("reading babel greeting: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return nil, err
	}

	lines, err := readBabelReply(r)
	if err != nil {
		return nil, fmt.Errorf("babel command %q: %w", cmd, err)
	}
	return lines, nil
}

// readBabelReply reads lines up to the status line. "ok" ends a successful
// reply, "no" and "bad" end a refused one.
func readBabelReply(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "ok":
			return lines, nil
		case line == "no" || line == "bad" || strings.HasPrefix(line, "no ") || strings.HasPrefix(line, "bad "):
			return lines, fmt.Errorf("%w: %s", ErrBabelRefused, line)
		}
		lines = append(lines, line)
	}
}
