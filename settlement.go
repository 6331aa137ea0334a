package main

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/oklog/ulid/v2"
)

var errInsufficientInventory = errors.New("insufficient_inventory")

type settlementRequest struct {
	OfferID       string
	SellerAddress string
	BuyerAddress  string
	SellerItems   []tradeItem
	BuyerItems    []tradeItem
}

type settlementResult struct {
	TradeID         string
	SellerInventory []inventoryItemView
	BuyerInventory  []inventoryItemView
}

type negotiationRecord struct {
	OfferID       string
	SellerAddress string
	BuyerAddress  string
	Status        string
	SellerLocked  bool
	BuyerLocked   bool
}

// tradeGateway is the persistence boundary for the marketplace. The hub only
// holds in-memory state; everything durable goes through here. A store-backed
// negotiation map for multi-instance deployment would slot in behind the same
// interface.
type tradeGateway interface {
	SettleTrade(ctx context.Context, req settlementRequest) (*settlementResult, error)
	RecordNegotiation(ctx context.Context, record negotiationRecord) error
	SaveChatMessage(ctx context.Context, msg chatMessageView) error
	SaveTradeChatMessage(ctx context.Context, msg tradeChatView) error
	ArchiveChatMessages(ctx context.Context, retentionDays int) (int64, error)
	Ping(ctx context.Context) error
}

type pgGateway struct {
	db *sql.DB
}

func newPGGateway(db *sql.DB) *pgGateway {
	return &pgGateway{db: db}
}

func (g *pgGateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// SettleTrade executes the item swap as one transaction: history and item
// rows first, then the quantity moves, then the completed mark and both
// post-trade snapshots. Any failure, including a quantity that would go
// negative, rolls the whole thing back; no partial swap is ever visible.
func (g *pgGateway) SettleTrade(ctx context.Context, req settlementRequest) (*settlementResult, error) {
	tradeID := ulid.Make().String()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trade_history (trade_id, seller_address, buyer_address, status)
		VALUES ($1, $2, $3, 'pending')
	`, tradeID, req.SellerAddress, req.BuyerAddress); err != nil {
		return nil, err
	}

	if err := moveItems(ctx, tx, tradeID, req.SellerAddress, req.BuyerAddress, req.SellerItems); err != nil {
		return nil, err
	}
	if err := moveItems(ctx, tx, tradeID, req.BuyerAddress, req.SellerAddress, req.BuyerItems); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trade_history
		SET status = 'completed', completed_at = NOW()
		WHERE trade_id = $1
	`, tradeID); err != nil {
		return nil, err
	}

	// Snapshots are read inside the transaction so a concurrent shop
	// purchase cannot skew what the clients are told they now own.
	sellerInventory, err := inventorySnapshot(ctx, tx, req.SellerAddress)
	if err != nil {
		return nil, err
	}
	buyerInventory, err := inventorySnapshot(ctx, tx, req.BuyerAddress)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &settlementResult{
		TradeID:         tradeID,
		SellerInventory: sellerInventory,
		BuyerInventory:  buyerInventory,
	}, nil
}

// moveItems transfers one unit of each item from giver to receiver. Items
// are processed in a deterministic order so two concurrent settlements
// touching the same wallets cannot deadlock on row locks.
func moveItems(ctx context.Context, tx *sql.Tx, tradeID string, giver string, receiver string, items []tradeItem) error {
	ordered := append([]tradeItem(nil), items...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, item := range ordered {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trade_items (trade_id, item_id, from_address, to_address, quantity)
			VALUES ($1, $2, $3, $4, 1)
		`, tradeID, item.ID, giver, receiver); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE player_inventories
			SET quantity = quantity - 1
			WHERE wallet_address = $1 AND item_id = $2 AND quantity >= 1
		`, giver, item.ID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errInsufficientInventory
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_inventories (wallet_address, item_id, quantity, equipped)
			VALUES ($1, $2, 1, FALSE)
			ON CONFLICT (wallet_address, item_id)
			DO UPDATE SET quantity = player_inventories.quantity + 1
		`, receiver, item.ID); err != nil {
			return err
		}
	}
	return nil
}

func inventorySnapshot(ctx context.Context, tx *sql.Tx, wallet string) ([]inventoryItemView, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_id, quantity, equipped
		FROM player_inventories
		WHERE wallet_address = $1 AND quantity > 0
		ORDER BY item_id
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshot []inventoryItemView
	for rows.Next() {
		var view inventoryItemView
		if err := rows.Scan(&view.ItemID, &view.Quantity, &view.Equipped); err != nil {
			return nil, err
		}
		snapshot = append(snapshot, view)
	}
	return snapshot, rows.Err()
}

func (g *pgGateway) RecordNegotiation(ctx context.Context, record negotiationRecord) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO trade_negotiations (trade_id, seller_address, buyer_address, status, seller_locked, buyer_locked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (trade_id)
		DO UPDATE SET status = EXCLUDED.status,
			seller_locked = EXCLUDED.seller_locked,
			buyer_locked = EXCLUDED.buyer_locked,
			updated_at = NOW()
	`, record.OfferID, record.SellerAddress, record.BuyerAddress, record.Status, record.SellerLocked, record.BuyerLocked)
	return err
}

func (g *pgGateway) SaveChatMessage(ctx context.Context, msg chatMessageView) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, sender_address, sender_name, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.SenderAddress, msg.SenderName, msg.Message, msg.CreatedAt)
	return err
}

func (g *pgGateway) SaveTradeChatMessage(ctx context.Context, msg tradeChatView) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO trade_chat_messages (id, trade_id, sender_address, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.OfferID, msg.SenderAddress, msg.Message, msg.CreatedAt)
	return err
}

// ArchiveChatMessages moves rows past the retention window into the archive
// table in a single statement, the same shape the old nightly cron used.
func (g *pgGateway) ArchiveChatMessages(ctx context.Context, retentionDays int) (int64, error) {
	res, err := g.db.ExecContext(ctx, `
		WITH moved_rows AS (
			DELETE FROM chat_messages
			WHERE created_at < NOW() - ($1 * INTERVAL '1 day')
			RETURNING *
		)
		INSERT INTO chat_messages_archive
		SELECT * FROM moved_rows
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
