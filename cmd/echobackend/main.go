// Echobackend is a small node stand-in for running the gateway locally.
// It answers health probes and echoes every other request back as JSON.
//
// Usage:
//
//	go run ./cmd/echobackend -port 8545 -name erigon
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/angeloszaimis/node-gateway/pkg/logger"
)

// newRequestID generates a random v4 UUID per RFC 4122.
func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hex.EncodeToString(b[0:4]),
		hex.EncodeToString(b[4:6]),
		hex.EncodeToString(b[6:8]),
		hex.EncodeToString(b[8:10]),
		hex.EncodeToString(b[10:16]),
	)
}

// Echo is the response body for every non-health request.
type Echo struct {
	RequestID     string `json:"request_id"`
	Node          string `json:"node"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	ForwardedFor  string `json:"forwarded_for,omitempty"`
	BodyBytes     int    `json:"body_bytes"`
	ConnectionHdr string `json:"connection,omitempty"`
}

func newMux(name string, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	health := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	mux.HandleFunc("/health", health)
	mux.HandleFunc("/eth/v1/node/health", health)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		echo := Echo{
			RequestID:     newRequestID(),
			Node:          name,
			Method:        r.Method,
			Path:          r.URL.RequestURI(),
			ForwardedFor:  r.Header.Get("X-Forwarded-For"),
			BodyBytes:     len(body),
			ConnectionHdr: r.Header.Get("Connection"),
		}
		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", echo.Path),
			slog.String("from", r.RemoteAddr),
			slog.String("forwarded_for", echo.ForwardedFor))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echo)
	})

	return mux
}

func main() {
	port := flag.Int("port", 8545, "port to listen on")
	name := flag.String("name", "node", "name reported in responses")
	flag.Parse()

	log := logger.New("info", false, "dev").With(slog.String("node", *name))

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting backend", slog.String("address", addr))
	if err := http.ListenAndServe(addr, newMux(*name, log)); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
