package main

import (
	"errors"
	"fmt"
	"log"
	"sort"
)

var (
	errNotJoined       = errors.New("not_joined")
	errInvalidWallet   = errors.New("invalid_wallet_address")
	errInvalidUsername = errors.New("invalid_username")
)

// handleJoin registers the wallet in the session registry. A second join for
// the same wallet replaces the previous connection (reconnect without
// logout); the stale connection's eventual disconnect is a no-op because the
// registry no longer points at it.
func (h *marketHub) handleJoin(client *clientConn, payload joinPayload) error {
	wallet := normalizeWallet(payload.WalletAddress)
	if !isValidWalletAddress(wallet) {
		return errInvalidWallet
	}
	if !isValidUsername(payload.Username) {
		return errInvalidUsername
	}

	h.mu.Lock()
	// A connection re-joining under a different wallet gives up its old
	// identity entirely, open offers and negotiations included.
	var cancelledOffers []string
	var notices []cancelNotice
	if client.wallet != "" && client.wallet != wallet {
		if old := h.sessions[client.wallet]; old != nil && old.client == client {
			delete(h.sessions, client.wallet)
			cancelledOffers = h.removeOffersBySellerLocked(client.wallet)
			notices = h.cancelNegotiationsForWalletLocked(client.wallet, "user disconnected")
		}
	}
	h.sessions[wallet] = &session{
		WalletAddress: wallet,
		Username:      payload.Username,
		client:        client,
	}
	client.wallet = wallet
	offers := h.sortedOffersLocked()
	h.mu.Unlock()

	for _, offerID := range cancelledOffers {
		h.broadcast(serverEnvelope{
			Type:    "tradeOfferCancelled",
			Payload: offerRefPayload{OfferID: offerID},
		})
	}
	h.deliverCancellations(notices)

	h.sendToClient(client, serverEnvelope{Type: "activeOffers", Payload: offers})
	h.broadcastOnlineUsers()

	log.Printf("marketplace: %s joined (%s)", payload.Username, wallet)
	return nil
}

// handleLeave removes the session and cascades: the wallet's open offers come
// off the board and any negotiation it is part of is cancelled.
func (h *marketHub) handleLeave(client *clientConn) {
	h.mu.Lock()
	delete(h.conns, client)

	wallet := client.wallet
	if wallet == "" {
		h.mu.Unlock()
		return
	}
	sess := h.sessions[wallet]
	if sess == nil || sess.client != client {
		// Session was replaced by a newer connection for this wallet.
		h.mu.Unlock()
		return
	}
	username := sess.Username
	delete(h.sessions, wallet)

	cancelledOffers := h.removeOffersBySellerLocked(wallet)
	notices := h.cancelNegotiationsForWalletLocked(wallet, "user disconnected")
	h.mu.Unlock()

	h.chatLimiter.Forget(wallet)
	h.tradeChatLimiter.Forget(wallet)

	for _, offerID := range cancelledOffers {
		h.broadcast(serverEnvelope{
			Type:    "tradeOfferCancelled",
			Payload: offerRefPayload{OfferID: offerID},
		})
	}
	h.deliverCancellations(notices)
	h.broadcastOnlineUsers()

	log.Printf("marketplace: %s disconnected (%s)", username, wallet)
}

func (h *marketHub) findSession(wallet string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[wallet]
}

func (h *marketHub) broadcastOnlineUsers() {
	h.mu.Lock()
	names := make([]string, 0, len(h.sessions))
	for _, sess := range h.sessions {
		names = append(names, sess.Username)
	}
	h.mu.Unlock()

	sort.Strings(names)
	h.broadcast(serverEnvelope{Type: "onlineUsers", Payload: names})
}

// requireSession resolves the wallet bound to the connection at join time.
func (h *marketHub) requireSession(client *clientConn) (*session, error) {
	if client.wallet == "" {
		return nil, errNotJoined
	}
	sess := h.findSession(client.wallet)
	if sess == nil || sess.client != client {
		return nil, errNotJoined
	}
	return sess, nil
}

func participantLabel(name string, wallet string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("wallet %s", wallet)
}
