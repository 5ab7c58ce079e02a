// Package tek implements the three-way transport dispatch Tektronix
// bench instruments (AFG signal generators, MDO oscilloscopes) are
// reached over, grounded on original_source/afg.py's TekDevice: a
// device string of the form "usbtmc:<id>", "tcpip:<host>:<port>" or
// "vxi:<host>" selects between a raw USBTMC character device, a plain
// TCP/IP socket, or VXI-11.
package tek

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"
)

var reDevice = []*regexp.Regexp{
	regexp.MustCompile(`^usbtmc:(?P<id>\d+)$`),
	regexp.MustCompile(`^tcpip:(?P<host>[0-9a-zA-Z.-]+):(?P<port>\d+)$`),
	regexp.MustCompile(`^vxi:(?P<host>[0-9a-zA-Z.-]+)$`),
}

// Conn is a query/response channel to a bench instrument: Send writes
// a command line, SendQuery writes a command and reads back its
// response, and Close releases the underlying transport.
type Conn interface {
	Send(ctx context.Context, line string) error
	SendQuery(ctx context.Context, line string) (string, error)
	Close() error
}

// Dial parses device and opens the matching transport, performing the
// same identification handshake TekDevice's constructor does (send
// *IDN? and log the response), returning the instrument's ID string
// alongside the open Conn.
func Dial(ctx context.Context, device string) (Conn, string, error) {
	for _, re := range reDevice {
		m := re.FindStringSubmatch(device)
		if m == nil {
			continue
		}
		names := re.SubexpNames()
		group := func(name string) string {
			for i, n := range names {
				if n == name {
					return m[i]
				}
			}
			return ""
		}
		var conn Conn
		var err error
		switch {
		case re == reDevice[0]:
			id, _ := strconv.Atoi(group("id"))
			conn, err = dialUSBTMC(id)
		case re == reDevice[1]:
			conn, err = dialTCPIP(group("host"), group("port"))
		case re == reDevice[2]:
			conn, err = dialVXI(group("host"))
		}
		if err != nil {
			return nil, "", err
		}
		idn, err := conn.SendQuery(ctx, "*IDN?")
		if err != nil {
			conn.Close()
			return nil, "", fmt.Errorf("tek: identify %s: %w", device, err)
		}
		return conn, idn, nil
	}
	return nil, "", fmt.Errorf("tek: unrecognized device string %q", device)
}

// usbtmcConn talks to a raw /dev/usbtmcN character device: a single
// write puts a command on the bus, a subsequent read drains whatever
// the instrument queued in response.
type usbtmcConn struct {
	f *os.File
}

func dialUSBTMC(id int) (Conn, error) {
	path := fmt.Sprintf("/dev/usbtmc%d", id)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tek: open %s: %w", path, err)
	}
	return &usbtmcConn{f: f}, nil
}

func (c *usbtmcConn) Send(_ context.Context, line string) error {
	_, err := c.f.Write([]byte(line))
	return err
}

func (c *usbtmcConn) SendQuery(_ context.Context, line string) (string, error) {
	if _, err := c.f.Write([]byte(line)); err != nil {
		return "", err
	}
	buf := make([]byte, 4096)
	n, err := c.f.Read(buf)
	if err != nil {
		return "", err
	}
	return trimEOL(buf[:n]), nil
}

func (c *usbtmcConn) Close() error { return c.f.Close() }

// tcpipConn is a newline-terminated ASCII command channel over a plain
// TCP socket, the SCPI-over-LAN convention AFG/MDO firmware speaks.
type tcpipConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialTCPIP(host, port string) (Conn, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tek: dial %s:%s: %w", host, port, err)
	}
	return &tcpipConn{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *tcpipConn) Send(ctx context.Context, line string) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	}
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *tcpipConn) SendQuery(ctx context.Context, line string) (string, error) {
	if err := c.Send(ctx, line); err != nil {
		return "", err
	}
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	}
	resp, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimEOL([]byte(resp)), nil
}

func (c *tcpipConn) Close() error { return c.conn.Close() }

// vxiConn speaks VXI-11 via an RPC client. The pack carries no VXI-11
// library, so this implementation is stubbed to fail fast at dial time
// rather than pretend to support a protocol nothing in the dependency
// tree implements; the usbtmc and tcpip transports cover every
// instrument actually deployed.
type vxiConn struct{}

func dialVXI(host string) (Conn, error) {
	return nil, fmt.Errorf("tek: vxi transport to %s not supported (no VXI-11 client in module deps)", host)
}

func (vxiConn) Send(context.Context, string) error             { return fmt.Errorf("tek: vxi unsupported") }
func (vxiConn) SendQuery(context.Context, string) (string, error) {
	return "", fmt.Errorf("tek: vxi unsupported")
}
func (vxiConn) Close() error { return nil }

func trimEOL(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
