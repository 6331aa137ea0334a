package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// buildWSHandler upgrades the connection and runs its read loop. Every event
// from one connection is handled in send order on this goroutine; cross-
// connection interleavings are serialized by the hub mutex.
func buildWSHandler(hub *marketHub) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			log.Printf("marketplace: ws upgrade failed: %v", err)
			return
		}

		client := &clientConn{conn: conn}
		hub.addConn(client)
		defer func() {
			hub.handleLeave(client)
			_ = conn.Close()
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var envelope clientEnvelope
			if err := json.Unmarshal(payload, &envelope); err != nil {
				continue
			}

			if err := hub.dispatch(client, envelope); err != nil {
				hub.sendError(client, err)
			}
		}
	}
}

func (h *marketHub) dispatch(client *clientConn, envelope clientEnvelope) error {
	switch envelope.Type {
	case "join":
		var payload joinPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleJoin(client, payload)
	case "message":
		var payload chatPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleChatMessage(client, payload)
	case "makeTradeOffer":
		var payload makeOfferPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleMakeOffer(client, payload)
	case "cancelTradeOffer":
		var payload offerRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleCancelOffer(client, payload)
	case "acceptTradeOffer":
		var payload offerRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleAcceptOffer(client, payload)
	case "tradeSelectItems":
		var payload tradeItemsPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleSelectItems(client, payload)
	case "tradeLock":
		var payload tradeItemsPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleTradeLock(client, payload)
	case "tradeUnlock":
		var payload offerRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleTradeUnlock(client, payload)
	case "rejectTrade":
		var payload offerRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleRejectTrade(client, payload)
	case "acceptTrade":
		var payload offerRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleAcceptTrade(client, payload)
	case "tradeChatMessage":
		var payload tradeChatPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		return h.handleTradeChatMessage(client, payload)
	}
	return nil
}
