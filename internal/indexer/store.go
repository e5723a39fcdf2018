package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/vex"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS exchange_state (
			pubkey TEXT PRIMARY KEY,
			authority TEXT NOT NULL,
			total_listings BIGINT NOT NULL,
			total_bids BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS listings (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			nft_mint TEXT NOT NULL,
			nft_escrow TEXT NOT NULL,
			price TEXT NOT NULL,
			payment_mint TEXT NOT NULL,
			active INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_nft_mint ON listings(nft_mint, active);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(active, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS bids (
			pubkey TEXT PRIMARY KEY,
			bidder TEXT NOT NULL,
			nft_mint TEXT NOT NULL,
			price TEXT NOT NULL,
			payment_mint TEXT NOT NULL,
			escrow_account TEXT NOT NULL,
			active INTEGER NOT NULL,
			requires_refund INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_nft_mint ON bids(nft_mint, active);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_refund ON bids(requires_refund, active);`,
		`CREATE TABLE IF NOT EXISTS voucher_states (
			pubkey TEXT PRIMARY KEY,
			nft_mint TEXT NOT NULL UNIQUE,
			sold INTEGER NOT NULL,
			latest_sale_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voucher_states_sold ON voucher_states(sold, latest_sale_at DESC);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertExchangeTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, seq uint64, exchange *vex.VoucherExchange) error {
	raw, err := json.Marshal(exchange)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchange_state (
			pubkey, authority, total_listings, total_bids, raw_json, seq, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			authority = excluded.authority,
			total_listings = excluded.total_listings,
			total_bids = excluded.total_bids,
			raw_json = excluded.raw_json,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		exchange.Authority.String(),
		int64(exchange.TotalListings),
		int64(exchange.TotalBids),
		string(raw),
		int64(seq),
		now,
	)
	return err
}

func (s *Store) UpsertListingTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, seq uint64, listing *vex.VoucherListing) error {
	raw, err := json.Marshal(listing)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (
			pubkey, owner, nft_mint, nft_escrow, price, payment_mint, active,
			raw_json, seq, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			owner = excluded.owner,
			nft_mint = excluded.nft_mint,
			nft_escrow = excluded.nft_escrow,
			price = excluded.price,
			payment_mint = excluded.payment_mint,
			active = excluded.active,
			raw_json = excluded.raw_json,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		listing.Owner.String(),
		listing.NftMint.String(),
		listing.NftEscrow.String(),
		strconv.FormatUint(listing.Price, 10),
		listing.PaymentMint.String(),
		boolToInt(listing.Active),
		string(raw),
		int64(seq),
		now,
	)
	return err
}

func (s *Store) UpsertBidTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, seq uint64, bid *vex.VoucherBid) error {
	raw, err := json.Marshal(bid)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bids (
			pubkey, bidder, nft_mint, price, payment_mint, escrow_account,
			active, requires_refund, raw_json, seq, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			bidder = excluded.bidder,
			nft_mint = excluded.nft_mint,
			price = excluded.price,
			payment_mint = excluded.payment_mint,
			escrow_account = excluded.escrow_account,
			active = excluded.active,
			requires_refund = excluded.requires_refund,
			raw_json = excluded.raw_json,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		bid.Bidder.String(),
		bid.NftMint.String(),
		strconv.FormatUint(bid.Price, 10),
		bid.PaymentMint.String(),
		bid.EscrowAccount.String(),
		boolToInt(bid.Active),
		boolToInt(bid.RequiresRefund),
		string(raw),
		int64(seq),
		now,
	)
	return err
}

func (s *Store) UpsertVoucherStateTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, seq uint64, state *vex.VoucherState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO voucher_states (
			pubkey, nft_mint, sold, latest_sale_at, raw_json, seq, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			nft_mint = excluded.nft_mint,
			sold = excluded.sold,
			latest_sale_at = excluded.latest_sale_at,
			raw_json = excluded.raw_json,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		state.NftMint.String(),
		boolToInt(state.Sold),
		state.LatestSaleTimestamp,
		string(raw),
		int64(seq),
		now,
	)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
