package orderstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresNotificationsTable = "fishcourier_notifications"
	postgresOrdersTable        = "fishcourier_orders"
	postgresObservationsTable  = "fishcourier_sync_observations"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores notifications and imported orders in Postgres.
// The connection is opened lazily on first use.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (b *PostgresBackend) GetNotification(orderID string) (*Notification, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var message string
	var notifiedAt time.Time
	err := b.db.QueryRowContext(ctx,
		`SELECT message, notified_at FROM `+postgresNotificationsTable+` WHERE order_id = $1`,
		orderID).Scan(&message, &notifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Notification{
		OrderID:    orderID,
		Message:    message,
		NotifiedAt: notifiedAt.UTC(),
	}, nil
}

func (b *PostgresBackend) PutNotification(n Notification) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO `+postgresNotificationsTable+` (order_id, message, notified_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id)
		DO UPDATE SET message = EXCLUDED.message, notified_at = EXCLUDED.notified_at`,
		n.OrderID, n.Message, n.NotifiedAt)
	return err
}

func (b *PostgresBackend) ImportOrders(entries []ImportEntry) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		payload, err := json.Marshal(entry.Order)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+postgresOrdersTable+` (order_id, batch_id, document, imported_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (order_id)
			DO UPDATE SET batch_id = EXCLUDED.batch_id, document = EXCLUDED.document, imported_at = NOW()`,
			entry.Order.OrderID, entry.BatchID, string(payload))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *PostgresBackend) RecordSyncResult(obs SyncObservation) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO `+postgresObservationsTable+` (id, success, observed_at)
		VALUES ($1, $2, $3)`,
		obs.ID, obs.Success, obs.ObservedAt)
	return err
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		b.db = db
		b.initErr = b.migrate()
	})
	return b.initErr
}

func (b *PostgresBackend) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + postgresNotificationsTable + ` (
			order_id TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			notified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + postgresOrdersTable + ` (
			order_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			document TEXT NOT NULL,
			imported_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + postgresObservationsTable + ` (
			id TEXT PRIMARY KEY,
			success BOOLEAN NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
