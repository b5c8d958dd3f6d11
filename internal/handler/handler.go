package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"github.com/angeloszaimis/node-gateway/internal/allowlist"
	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/connmgr"
	"github.com/angeloszaimis/node-gateway/internal/metrics"
	"github.com/angeloszaimis/node-gateway/internal/pool"
	"github.com/angeloszaimis/node-gateway/internal/router"
)

var (
	// ErrAccessDenied means the source address is not in the allow list.
	ErrAccessDenied = errors.New("access denied")
	// ErrConnectTimeout means the backend dial exceeded the connect timeout.
	ErrConnectTimeout = errors.New("backend connect timeout")
)

const defaultBufferSize = 16 * 1024

// ConnectionHandler drives one client connection through the pipeline:
// allow list, admission, request head, routing, backend selection, dial
// and byte relay.
type ConnectionHandler struct {
	logger     *slog.Logger
	allowList  *allowlist.AllowList
	router     *router.Router
	conns      *connmgr.Manager
	collector  *metrics.Collector
	bufferSize int
	retries    int

	// Overload warnings are throttled so a flood cannot drown the log.
	rejectLog      rate.Sometimes
	unavailableLog rate.Sometimes
}

func NewConnectionHandler(
	logger *slog.Logger,
	allowList *allowlist.AllowList,
	rt *router.Router,
	conns *connmgr.Manager,
	collector *metrics.Collector,
	bufferSize int,
) *ConnectionHandler {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &ConnectionHandler{
		logger:         logger,
		allowList:      allowList,
		router:         rt,
		conns:          conns,
		collector:      collector,
		bufferSize:     bufferSize,
		retries:        1,
		rejectLog:      rate.Sometimes{First: 1, Interval: time.Second},
		unavailableLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

// Handle serves conn and closes it. It never panics; cancelling ctx tears
// the connection down.
func (h *ConnectionHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Connection handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	source := sourceAddr(conn)
	if err := h.checkAccess(source); err != nil {
		h.logger.Debug("Connection denied", slog.String("from", source.String()))
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventAccessDenied})
		return
	}

	release, err := h.conns.Admit()
	if err != nil {
		h.rejectLog.Do(func() {
			h.logger.Warn("Connection rejected", slog.String("from", source.String()), slog.Any("err", err))
		})
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventCapacityExceeded})
		writeStatus(conn, http.StatusServiceUnavailable)
		return
	}
	defer release()
	h.collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})

	client := h.conns.ClientConn(conn)
	reader := bufio.NewReaderSize(client, h.bufferSize)

	req, err := http.ReadRequest(reader)
	if err != nil {
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventBadRequest})
		if !errors.Is(err, io.EOF) && !isTimeout(err) {
			h.logger.Debug("Malformed request", slog.String("from", source.String()), slog.Any("err", err))
			writeStatus(client, http.StatusBadRequest)
		}
		return
	}

	h.logger.Info("Received request",
		slog.String("from", source.String()),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("proto", req.Proto),
		slog.String("host", req.Host),
		slog.String("user_agent", req.UserAgent()))

	p := h.router.Match(req.URL.Path)
	h.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Pool: p.ID()})

	chosen, upstream, err := h.connect(ctx, p)
	if err != nil {
		h.unavailableLog.Do(func() {
			h.logger.Warn("No healthy backends available",
				slog.String("client", source.String()),
				slog.String("pool", p.ID()),
				slog.Any("err", err))
		})
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventNoHealthyBackend, Pool: p.ID()})
		writeStatus(client, http.StatusServiceUnavailable)
		return
	}
	defer chosen.Release()
	defer upstream.Close()

	h.logger.Info("Forwarding to backend",
		slog.String("client", source.String()),
		slog.String("pool", p.ID()),
		slog.String("backend", chosen.Address()))

	start := time.Now()
	upgrade := isUpgrade(req)
	prepareRequest(req, source)

	server := &countingConn{Conn: h.conns.ServerConn(upstream)}
	if upgrade {
		connmgr.Pair(client, server.Conn)
	}
	if err := req.Write(server); err != nil {
		h.logger.Warn("Failed to forward request",
			slog.String("backend", chosen.Address()),
			slog.Any("err", err))
		writeStatus(client, http.StatusBadGateway)
		return
	}

	inbound := discardRest(conn, reader)
	if upgrade {
		inbound = tunnel(reader, server, h.bufferSize)
	}
	out := relay(client, server, h.bufferSize, inbound)

	h.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventConnectionClosed,
		Pool:     p.ID(),
		Backend:  chosen.Address(),
		Duration: time.Since(start),
		BytesIn:  server.written.Load(),
		BytesOut: out,
	})
}

func (h *ConnectionHandler) checkAccess(source netip.Addr) error {
	if !h.allowList.Permit(source) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, source)
	}
	return nil
}

// connect selects a member and dials it. A failed dial releases the member
// and is retried once on a different member of the same pool.
func (h *ConnectionHandler) connect(ctx context.Context, p *pool.Pool) (*backend.Backend, net.Conn, error) {
	var tried []*backend.Backend
	var lastErr error

	for attempt := 0; attempt <= h.retries; attempt++ {
		b, err := p.Select(tried...)
		if err != nil {
			if lastErr != nil {
				return nil, nil, fmt.Errorf("%w (last dial: %w)", err, lastErr)
			}
			return nil, nil, err
		}
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Pool: p.ID(), Backend: b.Address()})

		conn, err := h.conns.Dial(ctx, b.Address())
		if err == nil {
			return b, conn, nil
		}

		b.Release()
		tried = append(tried, b)
		lastErr = classifyDialError(b.Address(), err)

		h.logger.Warn("Backend connect failed",
			slog.String("pool", p.ID()),
			slog.String("backend", b.Address()),
			slog.Int("attempt", attempt+1),
			slog.Any("err", lastErr))
		h.collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectRetry, Pool: p.ID(), Backend: b.Address()})
	}

	return nil, nil, fmt.Errorf("pool %s: %w (last dial: %w)", p.ID(), pool.ErrNoHealthyBackend, lastErr)
}

func classifyDialError(address string, err error) error {
	if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrConnectTimeout, address, err)
	}
	return fmt.Errorf("dial %s: %w", address, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sourceAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap().WithZone("")
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap().WithZone("")
}
