package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// wireConn is the subset of the *websocket.Conn surface the hub needs; tests
// substitute an in-memory recorder.
type wireConn interface {
	WriteJSON(v any) error
	Close() error
}

type clientConn struct {
	conn    wireConn
	writeMu sync.Mutex

	// wallet is bound at join time and is the only identity trusted for
	// mutating events. Written and read by the connection's own read loop.
	wallet string
}

func (c *clientConn) writeJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(value)
}

type session struct {
	WalletAddress string
	Username      string
	client        *clientConn
}

// marketHub owns every piece of in-memory marketplace state: the session
// registry, the offer board and the negotiation map, all guarded by one
// mutex. That single lock is what makes offer acceptance and negotiation
// teardown race-free inside one process; the pg advisory lock taken at boot
// keeps it one process.
type marketHub struct {
	mu sync.Mutex

	sessions     map[string]*session // keyed by normalized wallet
	conns        map[*clientConn]struct{}
	offers       map[string]*tradeOffer
	negotiations map[string]*negotiation // keyed by offer id

	gateway          tradeGateway
	chatLimiter      *walletLimiter
	tradeChatLimiter *walletLimiter
	cfg              serverConfig
}

func newMarketHub(gateway tradeGateway, cfg serverConfig) *marketHub {
	return &marketHub{
		sessions:         make(map[string]*session),
		conns:            make(map[*clientConn]struct{}),
		offers:           make(map[string]*tradeOffer),
		negotiations:     make(map[string]*negotiation),
		gateway:          gateway,
		chatLimiter:      newWalletLimiter(cfg.ChatRateWindow, cfg.ChatMaxPerWindow),
		tradeChatLimiter: newWalletLimiter(cfg.ChatRateWindow, cfg.ChatMaxPerWindow),
		cfg:              cfg,
	}
}

func (h *marketHub) addConn(client *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[client] = struct{}{}
}

/* ======================
   Delivery helpers
   ====================== */

// sendToClient writes outside the hub lock; a failed write tears the
// connection down and lets the read loop run the usual disconnect path.
func (h *marketHub) sendToClient(client *clientConn, envelope serverEnvelope) {
	if client == nil {
		return
	}
	if err := client.writeJSON(envelope); err != nil {
		log.Printf("marketplace: client write error: %v", err)
		_ = client.conn.Close()
	}
}

func (h *marketHub) broadcast(envelope serverEnvelope) {
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.conns))
	for client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.sendToClient(client, envelope)
	}
}

func (h *marketHub) broadcastExcept(skip *clientConn, envelope serverEnvelope) {
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.conns))
	for client := range h.conns {
		if client != skip {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.sendToClient(client, envelope)
	}
}

func (h *marketHub) sendError(client *clientConn, err error) {
	h.sendToClient(client, serverEnvelope{
		Type:    "errorMessage",
		Payload: errorView{Error: err.Error()},
	})
}

/* ======================
   Background persistence
   ====================== */

// persistAsync runs a best-effort gateway write off the read loop. Audit rows
// and chat logs never block or fail a live trade.
func (h *marketHub) persistAsync(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("marketplace: failed to persist %s: %v", what, err)
		}
	}()
}
