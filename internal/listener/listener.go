package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"
)

// ConnHandler serves one accepted connection and closes it.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// Config describes one public listener.
type Config struct {
	Address string
	// TLS terminates TLS on accepted connections when set.
	TLS *tls.Config
	// Workers is the number of accept loops; zero means runtime.NumCPU.
	Workers int
	// Grace bounds how long Serve waits for in-flight connections after
	// the context is cancelled before tearing them down.
	Grace time.Duration
}

// Listener accepts client connections and hands each one to a ConnHandler
// on its own goroutine.
type Listener struct {
	cfg     Config
	handler ConnHandler
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, handler ConnHandler, logger *slog.Logger) *Listener {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Listener{cfg: cfg, handler: handler, logger: logger}
}

// Listen binds the address. Serve calls it when it has not been called yet.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Address, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled. It then stops
// accepting, waits up to the grace period for in-flight connections and
// cancels whatever is left.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}

	connCtx, teardown := context.WithCancel(context.WithoutCancel(ctx))
	defer teardown()

	var (
		accepting sync.WaitGroup
		inflight  sync.WaitGroup
	)

	l.logger.Info("Listener started",
		slog.String("address", l.ln.Addr().String()),
		slog.Bool("tls", l.cfg.TLS != nil),
		slog.Int("workers", l.cfg.Workers))

	for i := 0; i < l.cfg.Workers; i++ {
		accepting.Add(1)
		go func() {
			defer accepting.Done()
			l.acceptLoop(ctx, connCtx, &inflight)
		}()
	}

	<-ctx.Done()
	_ = l.ln.Close()
	accepting.Wait()

	drained := make(chan struct{})
	go func() {
		inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(l.cfg.Grace):
		l.logger.Warn("Grace period elapsed, closing connections", slog.String("address", l.cfg.Address))
		teardown()
		<-drained
	}

	l.logger.Info("Listener stopped", slog.String("address", l.cfg.Address))
	return nil
}

func (l *Listener) acceptLoop(ctx, connCtx context.Context, inflight *sync.WaitGroup) {
	var backoff time.Duration

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = nextBackoff(backoff)
			l.logger.Error("Accept failed", slog.Any("err", err), slog.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			l.handler.Handle(connCtx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
