package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type rawServerEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startTestServer(t *testing.T, gateway *fakeGateway) (*marketHub, string, func()) {
	t.Helper()
	hub := newMarketHub(gateway, defaultConfig())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", buildWSHandler(hub))
	server := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return hub, wsURL, server.Close
}

func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func writeClientEnvelope(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", eventType, err)
	}
	if err := conn.WriteJSON(clientEnvelope{Type: eventType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// waitForEnvelope reads until an envelope of the wanted type arrives,
// discarding everything else (presence lists, board updates and so on arrive
// interleaved).
func waitForEnvelope(t *testing.T, conn *websocket.Conn, eventType string, target any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		var envelope rawServerEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if envelope.Type != eventType {
			continue
		}
		if target != nil {
			if err := json.Unmarshal(envelope.Payload, target); err != nil {
				t.Fatalf("decode %s payload: %v", eventType, err)
			}
		}
		return
	}
}

func joinWS(t *testing.T, conn *websocket.Conn, wallet string, username string) {
	t.Helper()
	writeClientEnvelope(t, conn, "join", joinPayload{WalletAddress: wallet, Username: username})
	waitForEnvelope(t, conn, "activeOffers", nil)
}

func TestFullTradeOverWebSocket(t *testing.T) {
	gateway := newFakeGateway()
	sellerAddr, buyerAddr := testWallet('a'), testWallet('b')
	gateway.setQuantity(sellerAddr, "halo", 1)
	gateway.setQuantity(buyerAddr, "sword", 1)

	_, wsURL, shutdown := startTestServer(t, gateway)
	defer shutdown()

	sellerConn := dialWS(t, wsURL)
	defer sellerConn.Close()
	buyerConn := dialWS(t, wsURL)
	defer buyerConn.Close()

	joinWS(t, sellerConn, sellerAddr, "alice")
	joinWS(t, buyerConn, buyerAddr, "bob")

	writeClientEnvelope(t, sellerConn, "makeTradeOffer", makeOfferPayload{
		Item: tradeItem{ID: "halo", Name: "Halo"},
	})

	var offer tradeOffer
	waitForEnvelope(t, buyerConn, "newTradeOffer", &offer)
	if offer.SellerName != "alice" || offer.Item.ID != "halo" {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	writeClientEnvelope(t, buyerConn, "acceptTradeOffer", offerRefPayload{OfferID: offer.ID})

	var started negotiationStartedView
	waitForEnvelope(t, sellerConn, "tradeNegotiationStarted", &started)
	waitForEnvelope(t, buyerConn, "tradeNegotiationStarted", nil)
	if started.BuyerName != "bob" || len(started.SellerItems) != 1 || started.SellerItems[0].ID != "halo" {
		t.Fatalf("unexpected negotiation seed: %+v", started)
	}

	writeClientEnvelope(t, buyerConn, "tradeLock", tradeItemsPayload{
		OfferID: offer.ID,
		Items:   []tradeItem{{ID: "sword"}},
	})
	var update lockUpdateView
	waitForEnvelope(t, sellerConn, "tradeLockUpdate", &update)
	if !update.BuyerLocked || update.SellerLocked || update.Status != negotiationStatusWaiting {
		t.Fatalf("after buyer lock: %+v", update)
	}
	// The buyer receives the same update for its own lock; drain it so the
	// next read observes the post-seller-lock state.
	waitForEnvelope(t, buyerConn, "tradeLockUpdate", nil)

	writeClientEnvelope(t, sellerConn, "tradeLock", tradeItemsPayload{
		OfferID: offer.ID,
		Items:   []tradeItem{{ID: "halo"}},
	})
	waitForEnvelope(t, buyerConn, "tradeLockUpdate", &update)
	if update.Status != negotiationStatusLocked {
		t.Fatalf("after both locks: %+v", update)
	}

	writeClientEnvelope(t, sellerConn, "tradeChatMessage", tradeChatPayload{
		OfferID: offer.ID,
		Message: "locking it in",
	})
	var chat tradeChatView
	waitForEnvelope(t, buyerConn, "tradeChatMessage", &chat)
	if chat.SenderName != "alice" || chat.Message != "locking it in" {
		t.Fatalf("unexpected trade chat: %+v", chat)
	}

	writeClientEnvelope(t, sellerConn, "acceptTrade", offerRefPayload{OfferID: offer.ID})

	var accepted tradeAcceptedView
	waitForEnvelope(t, buyerConn, "tradeAccepted", &accepted)
	if accepted.OfferID != offer.ID || accepted.AcceptedBy != "alice" {
		t.Fatalf("unexpected tradeAccepted: %+v", accepted)
	}

	var buyerCompleted tradeCompletedView
	waitForEnvelope(t, buyerConn, "tradeCompleted", &buyerCompleted)
	if len(buyerCompleted.Inventory) != 1 || buyerCompleted.Inventory[0].ItemID != "halo" {
		t.Fatalf("buyer snapshot wrong: %+v", buyerCompleted.Inventory)
	}
	var sellerCompleted tradeCompletedView
	waitForEnvelope(t, sellerConn, "tradeCompleted", &sellerCompleted)
	if len(sellerCompleted.Inventory) != 1 || sellerCompleted.Inventory[0].ItemID != "sword" {
		t.Fatalf("seller snapshot wrong: %+v", sellerCompleted.Inventory)
	}

	if gateway.quantity(buyerAddr, "halo") != 1 || gateway.quantity(sellerAddr, "sword") != 1 {
		t.Fatal("inventories not swapped")
	}
}

func TestSettlementFailureReportedOverWebSocket(t *testing.T) {
	gateway := newFakeGateway()
	sellerAddr, buyerAddr := testWallet('a'), testWallet('b')
	// Seller sold the halo elsewhere; the settlement must fail cleanly.
	gateway.setQuantity(buyerAddr, "sword", 1)

	_, wsURL, shutdown := startTestServer(t, gateway)
	defer shutdown()

	sellerConn := dialWS(t, wsURL)
	defer sellerConn.Close()
	buyerConn := dialWS(t, wsURL)
	defer buyerConn.Close()

	joinWS(t, sellerConn, sellerAddr, "alice")
	joinWS(t, buyerConn, buyerAddr, "bob")

	writeClientEnvelope(t, sellerConn, "makeTradeOffer", makeOfferPayload{Item: tradeItem{ID: "halo"}})
	var offer tradeOffer
	waitForEnvelope(t, buyerConn, "newTradeOffer", &offer)

	writeClientEnvelope(t, buyerConn, "acceptTradeOffer", offerRefPayload{OfferID: offer.ID})
	waitForEnvelope(t, buyerConn, "tradeNegotiationStarted", nil)

	writeClientEnvelope(t, buyerConn, "tradeLock", tradeItemsPayload{OfferID: offer.ID, Items: []tradeItem{{ID: "sword"}}})
	writeClientEnvelope(t, sellerConn, "tradeLock", tradeItemsPayload{OfferID: offer.ID, Items: []tradeItem{{ID: "halo"}}})

	var update lockUpdateView
	for update.Status != negotiationStatusLocked {
		waitForEnvelope(t, buyerConn, "tradeLockUpdate", &update)
	}

	writeClientEnvelope(t, buyerConn, "acceptTrade", offerRefPayload{OfferID: offer.ID})

	var failed tradeFailedView
	waitForEnvelope(t, sellerConn, "tradeFailed", &failed)
	if failed.OfferID != offer.ID || failed.Error != "insufficient_inventory" {
		t.Fatalf("unexpected tradeFailed: %+v", failed)
	}
	waitForEnvelope(t, buyerConn, "tradeFailed", &failed)

	if gateway.quantity(buyerAddr, "sword") != 1 {
		t.Fatal("failed settlement mutated inventory")
	}
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	_, wsURL, shutdown := startTestServer(t, newFakeGateway())
	defer shutdown()

	conn := dialWS(t, wsURL)
	defer conn.Close()

	writeClientEnvelope(t, conn, "makeTradeOffer", makeOfferPayload{Item: tradeItem{ID: "halo"}})

	var view errorView
	waitForEnvelope(t, conn, "errorMessage", &view)
	if view.Error != "not_joined" {
		t.Fatalf("unexpected error %q", view.Error)
	}
}

func TestDisconnectNotifiesRemainingParticipant(t *testing.T) {
	gateway := newFakeGateway()
	_, wsURL, shutdown := startTestServer(t, gateway)
	defer shutdown()

	sellerConn := dialWS(t, wsURL)
	defer sellerConn.Close()
	buyerConn := dialWS(t, wsURL)

	joinWS(t, sellerConn, testWallet('a'), "alice")
	joinWS(t, buyerConn, testWallet('b'), "bob")

	writeClientEnvelope(t, sellerConn, "makeTradeOffer", makeOfferPayload{Item: tradeItem{ID: "halo"}})
	var offer tradeOffer
	waitForEnvelope(t, buyerConn, "newTradeOffer", &offer)

	writeClientEnvelope(t, buyerConn, "acceptTradeOffer", offerRefPayload{OfferID: offer.ID})
	waitForEnvelope(t, sellerConn, "tradeNegotiationStarted", nil)

	if err := buyerConn.Close(); err != nil {
		t.Fatalf("close buyer: %v", err)
	}

	var cancelled negotiationCancelledView
	waitForEnvelope(t, sellerConn, "tradeNegotiationCancelled", &cancelled)
	if cancelled.OfferID != offer.ID || cancelled.Reason != "user disconnected" {
		t.Fatalf("unexpected cancellation: %+v", cancelled)
	}
}
