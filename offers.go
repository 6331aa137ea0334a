package main

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	offerStatusPending     = "pending"
	offerStatusNegotiating = "negotiating"
	offerStatusAccepted    = "accepted"
	offerStatusRejected    = "rejected"
	offerStatusCancelled   = "cancelled"
)

var (
	errOfferNotFound = errors.New("offer_not_found")
	errNotYourOffer  = errors.New("not_your_offer")
	errOwnOffer      = errors.New("cannot_accept_own_offer")
	errInvalidItem   = errors.New("invalid_item")
)

type tradeOffer struct {
	ID            string    `json:"id"`
	SellerAddress string    `json:"sellerAddress"`
	SellerName    string    `json:"sellerName"`
	Item          tradeItem `json:"item"`
	CreatedAt     time.Time `json:"createdAt"`
	Status        string    `json:"status"`
}

// handleMakeOffer puts a single-item sell offer on the global board. Whether
// the seller actually owns the item is only checked inside the settlement
// transaction; an offer for an item the seller no longer holds simply fails
// to settle later.
func (h *marketHub) handleMakeOffer(client *clientConn, payload makeOfferPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}
	if !isValidItemID(payload.Item.ID) {
		return errInvalidItem
	}

	offer := &tradeOffer{
		ID:            uuid.NewString(),
		SellerAddress: sess.WalletAddress,
		SellerName:    sess.Username,
		Item:          payload.Item,
		CreatedAt:     time.Now().UTC(),
		Status:        offerStatusPending,
	}

	h.mu.Lock()
	h.offers[offer.ID] = offer
	view := *offer
	h.mu.Unlock()

	// The board is global: every session sees the new offer, poster included.
	// Broadcast a snapshot taken under the lock; the stored offer keeps
	// mutating (status changes) while writers marshal.
	h.broadcast(serverEnvelope{Type: "newTradeOffer", Payload: view})
	return nil
}

// handleCancelOffer removes a pending offer. Only the wallet bound to the
// connection may cancel its own offers; the old server trusted the payload
// here, which let anyone clear the board.
func (h *marketHub) handleCancelOffer(client *clientConn, payload offerRefPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	h.mu.Lock()
	offer, ok := h.offers[payload.OfferID]
	if !ok || offer.Status != offerStatusPending {
		h.mu.Unlock()
		return errOfferNotFound
	}
	if offer.SellerAddress != sess.WalletAddress {
		h.mu.Unlock()
		return errNotYourOffer
	}
	offer.Status = offerStatusCancelled
	delete(h.offers, payload.OfferID)
	h.mu.Unlock()

	h.broadcast(serverEnvelope{
		Type:    "tradeOfferCancelled",
		Payload: offerRefPayload{OfferID: payload.OfferID},
	})
	return nil
}

// handleAcceptOffer tears the offer off the board and opens a negotiation
// between seller and buyer, seeded with the offered item on the seller side.
// Removal and negotiation creation happen under one lock hold, so a
// concurrent second accept sees offer_not_found.
func (h *marketHub) handleAcceptOffer(client *clientConn, payload offerRefPayload) error {
	sess, err := h.requireSession(client)
	if err != nil {
		return err
	}

	h.mu.Lock()
	offer, ok := h.offers[payload.OfferID]
	if !ok || offer.Status != offerStatusPending {
		h.mu.Unlock()
		return errOfferNotFound
	}
	if offer.SellerAddress == sess.WalletAddress {
		h.mu.Unlock()
		return errOwnOffer
	}

	offer.Status = offerStatusNegotiating
	delete(h.offers, offer.ID)

	n := &negotiation{
		OfferID:       offer.ID,
		SellerAddress: offer.SellerAddress,
		SellerName:    offer.SellerName,
		BuyerAddress:  sess.WalletAddress,
		BuyerName:     sess.Username,
		Status:        negotiationStatusWaiting,
		SellerItems:   []tradeItem{offer.Item},
		BuyerItems:    []tradeItem{},
		lastActivity:  time.Now(),
	}
	h.negotiations[offer.ID] = n
	started := n.startedView()
	sellerSess := h.sessions[offer.SellerAddress]
	h.mu.Unlock()

	// Everyone else just sees the offer leave the board.
	h.broadcast(serverEnvelope{
		Type:    "tradeOfferCancelled",
		Payload: offerRefPayload{OfferID: offer.ID},
	})

	envelope := serverEnvelope{Type: "tradeNegotiationStarted", Payload: started}
	if sellerSess != nil {
		h.sendToClient(sellerSess.client, envelope)
	}
	h.sendToClient(client, envelope)

	h.auditNegotiation(n)
	return nil
}

// sortedOffersLocked snapshots the board by value so the slice can be
// marshaled outside the hub lock.
func (h *marketHub) sortedOffersLocked() []tradeOffer {
	offers := make([]tradeOffer, 0, len(h.offers))
	for _, offer := range h.offers {
		offers = append(offers, *offer)
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
	return offers
}

func (h *marketHub) removeOffersBySellerLocked(wallet string) []string {
	var removed []string
	for id, offer := range h.offers {
		if offer.SellerAddress == wallet {
			offer.Status = offerStatusCancelled
			delete(h.offers, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
