package main

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	negotiationStatusWaiting   = "waiting"
	negotiationStatusLocked    = "locked"
	negotiationStatusCancelled = "cancelled"
	negotiationStatusCompleted = "completed"
)

const maxBasketItems = 8

var (
	errNegotiationNotFound  = errors.New("negotiation_not_found")
	errNotAParticipant      = errors.New("not_a_participant")
	errNegotiationLocked    = errors.New("negotiation_locked")
	errNegotiationNotLocked = errors.New("negotiation_not_locked")
	errAlreadySettling      = errors.New("already_settling")
	errBasketTooLarge       = errors.New("too_many_items")
)

// negotiation is the two-party trade session spun up when a buyer accepts an
// offer. All fields are guarded by the hub mutex. The aggregate status only
// becomes "locked" when BOTH sides have locked; the old server flipped it on
// the first lock, which made "ready to accept" indistinguishable from
// "waiting on partner".
type negotiation struct {
	OfferID       string
	SellerAddress string
	SellerName    string
	BuyerAddress  string
	BuyerName     string
	Status        string
	SellerItems   []tradeItem
	BuyerItems    []tradeItem
	SellerLocked  bool
	BuyerLocked   bool

	// settling guards the window while the settlement transaction runs:
	// a second accept is refused and cancellations are deferred until the
	// transaction's outcome is known, so a committed swap is never
	// retroactively "cancelled".
	settling            bool
	pendingCancelReason string

	lastActivity time.Time
}

func (n *negotiation) isParticipant(wallet string) bool {
	return wallet == n.SellerAddress || wallet == n.BuyerAddress
}

func (n *negotiation) partnerOf(wallet string) string {
	if wallet == n.SellerAddress {
		return n.BuyerAddress
	}
	return n.SellerAddress
}

func (n *negotiation) touch(now time.Time) {
	n.lastActivity = now
}

func (n *negotiation) setItems(wallet string, items []tradeItem) {
	if wallet == n.SellerAddress {
		n.SellerItems = items
	} else {
		n.BuyerItems = items
	}
}

func (n *negotiation) sideLocked(wallet string) bool {
	if wallet == n.SellerAddress {
		return n.SellerLocked
	}
	return n.BuyerLocked
}

func (n *negotiation) setLocked(wallet string, locked bool) {
	if wallet == n.SellerAddress {
		n.SellerLocked = locked
	} else {
		n.BuyerLocked = locked
	}
	if n.SellerLocked && n.BuyerLocked {
		n.Status = negotiationStatusLocked
	} else {
		n.Status = negotiationStatusWaiting
	}
}

func (n *negotiation) startedView() negotiationStartedView {
	return negotiationStartedView{
		OfferID:     n.OfferID,
		SellerName:  n.SellerName,
		SellerAddr:  n.SellerAddress,
		BuyerName:   n.BuyerName,
		BuyerAddr:   n.BuyerAddress,
		SellerItems: append([]tradeItem(nil), n.SellerItems...),
		BuyerItems:  append([]tradeItem(nil), n.BuyerItems...),
		Status:      n.Status,
	}
}

func (n *negotiation) lockUpdateView() lockUpdateView {
	return lockUpdateView{
		OfferID:      n.OfferID,
		SellerItems:  append([]tradeItem(nil), n.SellerItems...),
		BuyerItems:   append([]tradeItem(nil), n.BuyerItems...),
		SellerLocked: n.SellerLocked,
		BuyerLocked:  n.BuyerLocked,
		Status:       n.Status,
	}
}

func (n *negotiation) recordLocked() negotiationRecord {
	return negotiationRecord{
		OfferID:       n.OfferID,
		SellerAddress: n.SellerAddress,
		BuyerAddress:  n.BuyerAddress,
		Status:        n.Status,
		SellerLocked:  n.SellerLocked,
		BuyerLocked:   n.BuyerLocked,
	}
}

func (n *negotiation) settlementRequestLocked() settlementRequest {
	return settlementRequest{
		OfferID:       n.OfferID,
		SellerAddress: n.SellerAddress,
		BuyerAddress:  n.BuyerAddress,
		SellerItems:   append([]tradeItem(nil), n.SellerItems...),
		BuyerItems:    append([]tradeItem(nil), n.BuyerItems...),
	}
}

func validBasket(items []tradeItem) error {
	if len(items) > maxBasketItems {
		return errBasketTooLarge
	}
	for _, item := range items {
		if !isValidItemID(item.ID) {
			return errInvalidItem
		}
	}
	return nil
}

/* ======================
   Event handlers
   ====================== */

// lookupNegotiationLocked resolves the negotiation and checks the caller is
// one of its two participants. Hub mutex must be held.
func (h *marketHub) lookupNegotiationLocked(offerID string, wallet string) (*negotiation, error) {
	n, ok := h.negotiations[offerID]
	if !ok {
		return nil, errNegotiationNotFound
	}
	if !n.isParticipant(wallet) {
		return nil, errNotAParticipant
	}
	return n, nil
}

// handleSelectItems replaces the caller's pending basket while their side is
// still unlocked.
func (h *marketHub) handleSelectItems(client *clientConn, payload tradeItemsPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}
	if err := validBasket(payload.Items); err != nil {
		return err
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if n.settling || n.sideLocked(sess.WalletAddress) {
		h.mu.Unlock()
		return errNegotiationLocked
	}
	n.setItems(sess.WalletAddress, payload.Items)
	n.touch(time.Now())
	update := n.lockUpdateView()
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	h.sendLockUpdate(seller, buyer, update)
	return nil
}

// handleTradeLock stores the caller's final basket and marks their side
// locked. Re-locking with a different basket is allowed until both sides are
// locked.
func (h *marketHub) handleTradeLock(client *clientConn, payload tradeItemsPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}
	if err := validBasket(payload.Items); err != nil {
		return err
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if n.settling {
		h.mu.Unlock()
		return errAlreadySettling
	}
	if n.Status == negotiationStatusLocked {
		h.mu.Unlock()
		return errNegotiationLocked
	}
	n.setItems(sess.WalletAddress, payload.Items)
	n.setLocked(sess.WalletAddress, true)
	n.touch(time.Now())
	update := n.lockUpdateView()
	record := n.recordLocked()
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	h.sendLockUpdate(seller, buyer, update)
	h.persistNegotiationRecord(record)
	return nil
}

// handleTradeUnlock clears the caller's lock and reopens basket edits.
// Unlocking an already-unlocked side is a no-op and leaves both baskets
// untouched.
func (h *marketHub) handleTradeUnlock(client *clientConn, payload offerRefPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if n.settling {
		h.mu.Unlock()
		return errAlreadySettling
	}
	if !n.sideLocked(sess.WalletAddress) {
		h.mu.Unlock()
		return nil
	}
	n.setLocked(sess.WalletAddress, false)
	n.touch(time.Now())
	update := n.lockUpdateView()
	record := n.recordLocked()
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	h.sendLockUpdate(seller, buyer, update)
	h.persistNegotiationRecord(record)
	return nil
}

// handleRejectTrade cancels the negotiation on behalf of either participant.
func (h *marketHub) handleRejectTrade(client *clientConn, payload offerRefPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if n.settling {
		h.mu.Unlock()
		return errAlreadySettling
	}
	notices := h.cancelNegotiationLocked(n, "rejected by "+participantLabel(sess.Username, sess.WalletAddress))
	h.mu.Unlock()

	h.deliverCancellations(notices)
	return nil
}

// handleAcceptTrade hands a fully locked negotiation to the settlement
// executor. The in-memory state is provisionally marked settling before the
// database work starts and reconciled against the transaction's outcome
// afterwards.
func (h *marketHub) handleAcceptTrade(client *clientConn, payload offerRefPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	h.mu.Lock()
	n, err := h.lookupNegotiationLocked(payload.OfferID, sess.WalletAddress)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if n.settling {
		h.mu.Unlock()
		return errAlreadySettling
	}
	if n.Status != negotiationStatusLocked {
		h.mu.Unlock()
		return errNegotiationNotLocked
	}
	n.settling = true
	n.touch(time.Now())
	req := n.settlementRequestLocked()
	acceptedBy := sess.Username
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	result, settleErr := h.gateway.SettleTrade(ctx, req)
	cancel()

	if settleErr != nil {
		h.settlementFailed(n, settleErr)
		return nil
	}
	h.settlementSucceeded(n, acceptedBy, result)
	return nil
}

// settlementFailed restores the negotiation to its pre-accept locked state
// (or runs a cancellation that arrived mid-transaction) and reports
// tradeFailed to both parties.
func (h *marketHub) settlementFailed(n *negotiation, settleErr error) {
	log.Printf("marketplace: settlement failed for offer %s: %v", n.OfferID, settleErr)

	h.mu.Lock()
	n.settling = false
	if reason := n.pendingCancelReason; reason != "" {
		n.pendingCancelReason = ""
		notices := h.cancelNegotiationLocked(n, reason)
		h.mu.Unlock()
		h.deliverCancellations(notices)
		return
	}
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	failed := serverEnvelope{
		Type:    "tradeFailed",
		Payload: tradeFailedView{OfferID: n.OfferID, Error: settleErr.Error()},
	}
	if seller != nil {
		h.sendToClient(seller.client, failed)
	}
	if buyer != nil {
		h.sendToClient(buyer.client, failed)
	}
}

// settlementSucceeded finalizes the negotiation and pushes each party its own
// post-trade inventory snapshot. A disconnect that raced the transaction is
// irrelevant at this point: the swap is committed.
func (h *marketHub) settlementSucceeded(n *negotiation, acceptedBy string, result *settlementResult) {
	h.mu.Lock()
	n.settling = false
	n.pendingCancelReason = ""
	n.Status = negotiationStatusCompleted
	delete(h.negotiations, n.OfferID)
	record := n.recordLocked()
	seller, buyer := h.sessions[n.SellerAddress], h.sessions[n.BuyerAddress]
	h.mu.Unlock()

	accepted := serverEnvelope{
		Type:    "tradeAccepted",
		Payload: tradeAcceptedView{OfferID: n.OfferID, AcceptedBy: acceptedBy},
	}
	if seller != nil {
		h.sendToClient(seller.client, accepted)
		h.sendToClient(seller.client, serverEnvelope{
			Type: "tradeCompleted",
			Payload: tradeCompletedView{
				OfferID:   n.OfferID,
				TradeID:   result.TradeID,
				Inventory: result.SellerInventory,
			},
		})
	}
	if buyer != nil {
		h.sendToClient(buyer.client, accepted)
		h.sendToClient(buyer.client, serverEnvelope{
			Type: "tradeCompleted",
			Payload: tradeCompletedView{
				OfferID:   n.OfferID,
				TradeID:   result.TradeID,
				Inventory: result.BuyerInventory,
			},
		})
	}

	h.persistNegotiationRecord(record)
	log.Printf("marketplace: trade %s completed for offer %s", result.TradeID, n.OfferID)
}

/* ======================
   Cancellation
   ====================== */

type cancelNotice struct {
	recipients []*clientConn
	view       negotiationCancelledView
}

// cancelNegotiationLocked moves the negotiation to its terminal cancelled
// state and removes it from the map. If a settlement transaction is in
// flight the cancellation is deferred until its outcome is known. Hub mutex
// must be held; returned notices are delivered after it is released.
func (h *marketHub) cancelNegotiationLocked(n *negotiation, reason string) []cancelNotice {
	if n.settling {
		if n.pendingCancelReason == "" {
			n.pendingCancelReason = reason
		}
		return nil
	}

	n.Status = negotiationStatusCancelled
	delete(h.negotiations, n.OfferID)
	h.persistNegotiationRecord(n.recordLocked())

	var recipients []*clientConn
	if sess := h.sessions[n.SellerAddress]; sess != nil {
		recipients = append(recipients, sess.client)
	}
	if sess := h.sessions[n.BuyerAddress]; sess != nil {
		recipients = append(recipients, sess.client)
	}
	return []cancelNotice{{
		recipients: recipients,
		view:       negotiationCancelledView{OfferID: n.OfferID, Reason: reason},
	}}
}

func (h *marketHub) cancelNegotiationsForWalletLocked(wallet string, reason string) []cancelNotice {
	var notices []cancelNotice
	for _, n := range h.negotiations {
		if n.isParticipant(wallet) {
			notices = append(notices, h.cancelNegotiationLocked(n, reason)...)
		}
	}
	return notices
}

func (h *marketHub) deliverCancellations(notices []cancelNotice) {
	for _, notice := range notices {
		envelope := serverEnvelope{Type: "tradeNegotiationCancelled", Payload: notice.view}
		for _, client := range notice.recipients {
			h.sendToClient(client, envelope)
		}
	}
}

// sweepIdleNegotiations cancels negotiations nobody has touched within the
// configured idle timeout. The old server kept stale negotiations around
// forever; this is a hardening addition.
func (h *marketHub) sweepIdleNegotiations(now time.Time) {
	if h.cfg.TradeIdleTimeout <= 0 {
		return
	}

	h.mu.Lock()
	var notices []cancelNotice
	for _, n := range h.negotiations {
		if n.settling {
			continue
		}
		if now.Sub(n.lastActivity) >= h.cfg.TradeIdleTimeout {
			notices = append(notices, h.cancelNegotiationLocked(n, "negotiation timed out")...)
		}
	}
	h.mu.Unlock()

	h.deliverCancellations(notices)
}

/* ======================
   Small helpers
   ====================== */

func (h *marketHub) sendLockUpdate(seller *session, buyer *session, update lockUpdateView) {
	envelope := serverEnvelope{Type: "tradeLockUpdate", Payload: update}
	if seller != nil {
		h.sendToClient(seller.client, envelope)
	}
	if buyer != nil {
		h.sendToClient(buyer.client, envelope)
	}
}

func (h *marketHub) persistNegotiationRecord(record negotiationRecord) {
	h.persistAsync("trade negotiation", func(ctx context.Context) error {
		return h.gateway.RecordNegotiation(ctx, record)
	})
}

// auditNegotiation snapshots the negotiation under the hub lock and records
// it best-effort.
func (h *marketHub) auditNegotiation(n *negotiation) {
	h.mu.Lock()
	record := n.recordLocked()
	h.mu.Unlock()
	h.persistNegotiationRecord(record)
}
