package main

import "database/sql"

func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS player_inventories (
			wallet_address TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0,
			equipped BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (wallet_address, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS trade_history (
			trade_id TEXT PRIMARY KEY,
			seller_address TEXT NOT NULL,
			buyer_address TEXT NOT NULL,
			status TEXT NOT NULL,
			completed_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS trade_items (
			trade_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS trade_negotiations (
			trade_id TEXT PRIMARY KEY,
			seller_address TEXT NOT NULL,
			buyer_address TEXT NOT NULL,
			status TEXT NOT NULL,
			seller_locked BOOLEAN NOT NULL DEFAULT FALSE,
			buyer_locked BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS trade_chat_messages (
			id TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			sender_address TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			sender_address TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages_archive (
			id TEXT PRIMARY KEY,
			sender_address TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_items_trade_id ON trade_items (trade_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages (created_at);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
