package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Gateway upgrades HTTP requests into WebSocket connections and hands them
// to the Supervisor. Peer identity is carried inside the protocol (the
// join_document frame), not the upgrade request.
type Gateway struct {
	supervisor *Supervisor
	logger     zerolog.Logger
}

// NewGateway creates a Gateway feeding the supervisor.
func NewGateway(supervisor *Supervisor, logger zerolog.Logger) (*Gateway, error) {
	if supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	return &Gateway{supervisor: supervisor, logger: logger}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if err := g.performUpgrade(w, r); err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request) error {
	if !headerContainsToken(r.Header.Get("Connection"), "Upgrade") || !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "upgrade headers required", http.StatusBadRequest)
		return errors.New("missing upgrade headers")
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return errors.New("invalid websocket version")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing websocket key", http.StatusBadRequest)
		return errors.New("missing websocket key")
	}

	accept := computeAcceptKey(key)
	protoHeader := selectSubprotocol(r.Header)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return errors.New("hijacking not supported")
	}

	netConn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n", accept)
	if protoHeader != "" {
		response += fmt.Sprintf("Sec-WebSocket-Protocol: %s\r\n", protoHeader)
	}
	response += "\r\n"
	if _, err := buf.WriteString(response); err != nil {
		netConn.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if err := buf.Flush(); err != nil {
		netConn.Close()
		return fmt.Errorf("flush handshake: %w", err)
	}

	connID := NewConnectionID()
	childLogger := g.logger.With().Str("connection", string(connID)).Str("remote", netConn.RemoteAddr().String()).Logger()

	conn := newConnection(netConn, connID, childLogger, connectionOptions{
		staleThreshold: g.supervisor.cfg.StaleThreshold,
		evictThreshold: g.supervisor.cfg.EvictThreshold,
		sendBufferSize: g.supervisor.cfg.SendBuffer,
		writeTimeout:   g.supervisor.cfg.WriteTimeout,
		maxFrameBytes:  g.supervisor.cfg.MaxFrameBytes,
	}, func() {
		g.supervisor.detach(connID)
	})

	childLogger.Info().Msg("websocket connection established")
	g.supervisor.Attach(conn)
	return nil
}

func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(key) + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func selectSubprotocol(h http.Header) string {
	value := h.Get("Sec-WebSocket-Protocol")
	if value == "" {
		return ""
	}
	// The client may send a comma separated list. We simply echo the first token.
	parts := strings.Split(value, ",")
	return strings.TrimSpace(parts[0])
}

func headerContainsToken(value, token string) bool {
	if value == "" {
		return false
	}
	parts := strings.Split(value, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
