package main

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	errRateLimited    = errors.New("rate_limited")
	errMessageTooLong = errors.New("message_too_long")
	errEmptyMessage   = errors.New("empty_message")
)

// handleChatMessage fans a marketplace chat message out to every other
// session and persists it best-effort.
func (h *marketHub) handleChatMessage(client *clientConn, payload chatPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		return errEmptyMessage
	}
	if utf8.RuneCountInString(message) > h.cfg.ChatMaxLength {
		return errMessageTooLong
	}
	if !h.chatLimiter.Allow(sess.WalletAddress) {
		return errRateLimited
	}

	view := chatMessageView{
		ID:            uuid.NewString(),
		SenderAddress: sess.WalletAddress,
		SenderName:    sess.Username,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}

	h.persistAsync("chat message", func(ctx context.Context) error {
		return h.gateway.SaveChatMessage(ctx, view)
	})

	h.broadcastExcept(client, serverEnvelope{Type: "message", Payload: view})
	return nil
}

// handleTradeChatMessage delivers a message to exactly the two participants
// of a live negotiation; it is never broadcast board-wide.
func (h *marketHub) handleTradeChatMessage(client *clientConn, payload tradeChatPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		return errEmptyMessage
	}
	if utf8.RuneCountInString(message) > h.cfg.TradeChatMaxLength {
		return errMessageTooLong
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if !h.tradeChatLimiter.Allow(sess.WalletAddress) {
		h.mu.Unlock()
		return errRateLimited
	}
	// Only a message that will actually be delivered keeps the
	// negotiation's idle clock alive.
	n.touch(time.Now())
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	view := tradeChatView{
		ID:            uuid.NewString(),
		OfferID:       payload.OfferID,
		SenderAddress: sess.WalletAddress,
		SenderName:    sess.Username,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}

	h.persistAsync("trade chat message", func(ctx context.Context) error {
		return h.gateway.SaveTradeChatMessage(ctx, view)
	})

	envelope := serverEnvelope{Type: "tradeChatMessage", Payload: view}
	if seller != nil {
		h.sendToClient(seller.client, envelope)
	}
	if buyer != nil {
		h.sendToClient(buyer.client, envelope)
	}
	return nil
}

// runChatArchiveLoop moves old chat rows into the archive table once a day,
// replacing the midnight cron of the old server.
func runChatArchiveLoop(gateway tradeGateway, retentionDays int, stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			moved, err := gateway.ArchiveChatMessages(ctx, retentionDays)
			cancel()
			if err != nil {
				log.Println("marketplace: chat archive job failed:", err)
				continue
			}
			log.Printf("marketplace: archived %d chat messages", moved)
		case <-stop:
			return
		}
	}
}
