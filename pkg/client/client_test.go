package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"jailfs/pkg/protocol"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection and hands it to script.
func fakeServer(t *testing.T, script func(r *bufio.Reader, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(bufio.NewReader(conn), conn)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("fake server did not finish")
		}
	})
	return ln.Addr().String()
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	line, err := protocol.ReadLine(r, 0)
	if err != nil {
		t.Errorf("read %q: %v", want, err)
		return
	}
	if line != want {
		t.Errorf("got line %q, want %q", line, want)
	}
}

func TestDialEnablesFraming(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, conn net.Conn) {
		expectLine(t, r, "framed on")
		protocol.WriteBlock(conn, protocol.ReplyFramedOn)
		expectLine(t, r, "ls")
		protocol.WriteBlock(conn, "a.txt\n.hidden\nsub")
		expectLine(t, r, "exit")
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)

	reply, err := c.Do("ls")
	require.NoError(t, err)
	require.Equal(t, "a.txt\n.hidden\nsub", reply)
	require.NoError(t, c.Close())
}

func TestDialRejectsUnframedServer(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, conn net.Conn) {
		expectLine(t, r, "framed on")
		protocol.WriteBlock(conn, protocol.ReplyUnknown)
	})

	_, err := Dial(context.Background(), addr)
	require.Error(t, err)
	require.Contains(t, err.Error(), protocol.ReplyUnknown)
}

func TestDoRejectsMultiLine(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, conn net.Conn) {
		expectLine(t, r, "framed on")
		protocol.WriteBlock(conn, protocol.ReplyFramedOn)
		expectLine(t, r, "exit")
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Do("pwd\nrm /")
	require.Error(t, err)
}

func TestUploadSendsSizeFrame(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)

	addr := fakeServer(t, func(r *bufio.Reader, conn net.Conn) {
		expectLine(t, r, "framed on")
		protocol.WriteBlock(conn, protocol.ReplyFramedOn)
		expectLine(t, r, "write_file")
		expectLine(t, r, "data.bin")
		header, err := protocol.ReadLine(r, 0)
		if err != nil {
			t.Errorf("read header: %v", err)
			return
		}
		n, err := protocol.ParseSizeHeader(header)
		if err != nil {
			t.Errorf("parse header: %v", err)
			return
		}
		var got bytes.Buffer
		if _, err := protocol.ReadPayload(r, &got, n); err != nil {
			t.Errorf("read payload: %v", err)
			return
		}
		if !bytes.Equal(got.Bytes(), payload) {
			t.Errorf("payload mismatch: got %d bytes", got.Len())
		}
		protocol.WriteBlock(conn, protocol.ReplyUploadOK)
		expectLine(t, r, "exit")
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)

	reply, err := c.Upload("data.bin", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, protocol.ReplyUploadOK, reply)
	require.NoError(t, c.Close())
}

func TestUploadShortSource(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, conn net.Conn) {
		expectLine(t, r, "framed on")
		protocol.WriteBlock(conn, protocol.ReplyFramedOn)
		r.WriteTo(io.Discard)
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.conn.Close()

	_, err = c.Upload("short.txt", strings.NewReader("abc"), 10)
	require.Error(t, err)
}
