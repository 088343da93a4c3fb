// Package client implements a jailfs protocol client.
//
// The client switches the session to framed replies on connect, so every
// call to Do returns exactly one complete reply, including multi-line
// listings.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"jailfs/pkg/protocol"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds each request/response exchange.
const DefaultTimeout = 30 * time.Second

// legacyPause separates the final sentinel from the payload so that it
// reaches the server as its own receive unit.
const legacyPause = 200 * time.Millisecond

// Client is a connection to a jailfs server. It is not safe for concurrent
// use.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	Timeout time.Duration
}

// Dial connects to addr ("host:port" or "unix:/path") and enables framed
// replies.
func Dial(ctx context.Context, addr string) (*Client, error) {
	network, address := "tcp", addr
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, address = "unix", path
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		Timeout: DefaultTimeout,
	}
	reply, err := c.Do(protocol.VerbFramed + " on")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != protocol.ReplyFramedOn {
		conn.Close()
		return nil, fmt.Errorf("enable framed replies: %s", reply)
	}
	return c, nil
}

func (c *Client) deadline() {
	if c.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.Timeout))
	}
}

// Do sends one command line and returns the reply.
func (c *Client) Do(line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", errors.New("command must be a single line")
	}
	c.deadline()
	if err := protocol.WriteReply(c.conn, line); err != nil {
		return "", err
	}
	return c.readReply()
}

func (c *Client) readReply() (string, error) {
	reply, err := protocol.ReadBlock(c.r, 0)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// Upload stores size bytes from src as name in the working directory.
func (c *Client) Upload(name string, src io.Reader, size int64) (string, error) {
	c.deadline()
	w := bufio.NewWriter(c.conn)
	fmt.Fprintf(w, "%s\n%s\n", protocol.VerbWriteFile, name)
	if err := protocol.WritePayload(w, src, size); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("send upload: %w", err)
	}
	return c.readReply()
}

// UploadLegacy stores data as name using sentinel framing. The server must
// have legacy framing enabled, and data must not contain a receive unit
// equal to the sentinel.
func (c *Client) UploadLegacy(name string, data []byte) (string, error) {
	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "%s\n%s\n", protocol.VerbWriteFile, name); err != nil {
		return "", fmt.Errorf("send upload: %w", err)
	}
	if len(data) > 0 {
		time.Sleep(legacyPause)
		if _, err := c.conn.Write(data); err != nil {
			return "", fmt.Errorf("send upload: %w", err)
		}
	}
	time.Sleep(legacyPause)
	if _, err := io.WriteString(c.conn, protocol.LegacySentinel); err != nil {
		return "", fmt.Errorf("send sentinel: %w", err)
	}
	return c.readReply()
}

// Close ends the session and closes the connection.
func (c *Client) Close() error {
	c.deadline()
	protocol.WriteReply(c.conn, protocol.VerbExit)
	return c.conn.Close()
}
