package handler

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"
)

type countingConn struct {
	net.Conn
	written atomic.Int64
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written.Add(int64(n))
	return n, err
}

func (c *countingConn) Unwrap() net.Conn {
	return c.Conn
}

// relay copies the backend's bytes to the client until the backend leg ends
// or either leg fails, then closes both legs. inbound drives the client side
// concurrently; an error from it tears both legs down. It returns the bytes
// sent to the client.
func relay(client, server net.Conn, bufferSize int, inbound func() error) int64 {
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := inbound(); err != nil {
			_ = server.Close()
			_ = client.Close()
		}
	}()

	out, _ := io.CopyBuffer(client, server, make([]byte, bufferSize))
	_ = client.Close()
	_ = server.Close()
	<-done

	return out
}

// tunnel forwards everything the client sends. A clean client EOF only
// half-closes the backend so the response can still drain.
func tunnel(clientReader io.Reader, server net.Conn, bufferSize int) func() error {
	return func() error {
		if _, err := io.CopyBuffer(server, clientReader, make([]byte, bufferSize)); err != nil {
			return err
		}
		return closeWrite(server)
	}
}

// discardRest watches a client whose single request has been forwarded.
// Anything it sends afterwards is dropped, including pipelined requests. The
// read deadline is cleared; the backend leg's timeout bounds the wait for the
// response.
func discardRest(conn net.Conn, buffered *bufio.Reader) func() error {
	return func() error {
		if _, err := buffered.Discard(buffered.Buffered()); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return err
		}
		_, err := io.Copy(io.Discard, conn)
		return err
	}
}

func closeWrite(c net.Conn) error {
	for {
		switch v := c.(type) {
		case interface{ CloseWrite() error }:
			return v.CloseWrite()
		case interface{ Unwrap() net.Conn }:
			c = v.Unwrap()
		default:
			return fmt.Errorf("%T does not support half-close", c)
		}
	}
}

// prepareRequest rewrites the hop-by-hop headers for a single forwarded
// request and appends the client to X-Forwarded-For. Upgrade requests keep
// their Connection header so the tunnel can be established.
func prepareRequest(req *http.Request, source netip.Addr) {
	if source.IsValid() {
		client := source.String()
		if prior := req.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			client = strings.Join(prior, ", ") + ", " + client
		}
		req.Header.Set("X-Forwarded-For", client)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// Suppress the Go default.
		req.Header.Set("User-Agent", "")
	}

	if isUpgrade(req) {
		req.Close = false
		return
	}

	req.Header.Del("Keep-Alive")
	req.Header.Del("Proxy-Connection")
	req.Header.Set("Connection", "close")
	req.Close = true
}

func isUpgrade(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func writeStatus(w io.Writer, code int) {
	body := http.StatusText(code) + "\n"
	_, _ = fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}
