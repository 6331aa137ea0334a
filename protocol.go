package main

import (
	"encoding/json"
	"time"
)

/* ======================
   Wire envelopes
   ====================== */

type serverEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

/* ======================
   Shared value types
   ====================== */

// tradeItem is the slice of the catalog row that travels over the wire.
// Settlement only needs the id; name and rarity ride along for the UI.
type tradeItem struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Rarity string `json:"rarity,omitempty"`
}

type inventoryItemView struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
	Equipped bool   `json:"equipped"`
}

/* ======================
   Client -> server payloads
   ====================== */

type joinPayload struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
}

type chatPayload struct {
	Message string `json:"message"`
}

type makeOfferPayload struct {
	Item tradeItem `json:"item"`
}

type offerRefPayload struct {
	OfferID string `json:"offerId"`
}

type tradeItemsPayload struct {
	OfferID string      `json:"offerId"`
	Items   []tradeItem `json:"items"`
}

type tradeChatPayload struct {
	OfferID string `json:"offerId"`
	Message string `json:"message"`
}

/* ======================
   Server -> client payloads
   ====================== */

type chatMessageView struct {
	ID            string    `json:"id"`
	SenderAddress string    `json:"senderAddress"`
	SenderName    string    `json:"senderName"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

type tradeChatView struct {
	ID            string    `json:"id"`
	OfferID       string    `json:"offerId"`
	SenderAddress string    `json:"senderAddress"`
	SenderName    string    `json:"senderName"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

type negotiationStartedView struct {
	OfferID     string      `json:"offerId"`
	SellerName  string      `json:"sellerName"`
	SellerAddr  string      `json:"sellerAddress"`
	BuyerName   string      `json:"buyerName"`
	BuyerAddr   string      `json:"buyerAddress"`
	SellerItems []tradeItem `json:"sellerItems"`
	BuyerItems  []tradeItem `json:"buyerItems"`
	Status      string      `json:"status"`
}

type lockUpdateView struct {
	OfferID      string      `json:"offerId"`
	SellerItems  []tradeItem `json:"sellerItems"`
	BuyerItems   []tradeItem `json:"buyerItems"`
	SellerLocked bool        `json:"sellerLocked"`
	BuyerLocked  bool        `json:"buyerLocked"`
	Status       string      `json:"status"`
}

type tradeAcceptedView struct {
	OfferID    string `json:"offerId"`
	AcceptedBy string `json:"acceptedBy"`
}

type tradeCompletedView struct {
	OfferID   string              `json:"offerId"`
	TradeID   string              `json:"tradeId"`
	Inventory []inventoryItemView `json:"inventory"`
}

type tradeFailedView struct {
	OfferID string `json:"offerId"`
	Error   string `json:"error"`
}

type negotiationCancelledView struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason"`
}

type errorView struct {
	Error string `json:"error"`
}
