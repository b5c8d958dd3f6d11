package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Prober checks whether a backend address is reachable. It must honour
// ctx's deadline.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) error

func (f ProberFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}

// TCPProber succeeds when a TCP connection can be opened.
type TCPProber struct {
	dialer net.Dialer
}

func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

func (p *TCPProber) Probe(ctx context.Context, address string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPProber issues GET http://address+path and succeeds on 2xx or 3xx.
type HTTPProber struct {
	client *http.Client
	path   string
}

func NewHTTPProber(path string) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		path: path,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+p.path, nil)
	if err != nil {
		return err
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", res.StatusCode)
	}
	return nil
}

// NewProber returns an HTTP prober when path is set, a TCP prober otherwise.
func NewProber(path string) Prober {
	if path == "" {
		return NewTCPProber()
	}
	return NewHTTPProber(path)
}
