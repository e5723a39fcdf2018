package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type ListingFilter struct {
	Owner   string
	NftMint string
	Active  *bool
	Limit   int
	Offset  int
}

type ListingRecord struct {
	Pubkey      string `json:"pubkey"`
	Owner       string `json:"owner"`
	NftMint     string `json:"nft_mint"`
	NftEscrow   string `json:"nft_escrow"`
	Price       string `json:"price"`
	PaymentMint string `json:"payment_mint"`
	Active      bool   `json:"active"`
	Seq         uint64 `json:"seq"`
	UpdatedAt   int64  `json:"updated_at"`
}

type BidFilter struct {
	Bidder         string
	NftMint        string
	Active         *bool
	RequiresRefund *bool
	Limit          int
	Offset         int
}

type BidRecord struct {
	Pubkey         string `json:"pubkey"`
	Bidder         string `json:"bidder"`
	NftMint        string `json:"nft_mint"`
	Price          string `json:"price"`
	PaymentMint    string `json:"payment_mint"`
	EscrowAccount  string `json:"escrow_account"`
	Active         bool   `json:"active"`
	RequiresRefund bool   `json:"requires_refund"`
	Seq            uint64 `json:"seq"`
	UpdatedAt      int64  `json:"updated_at"`
}

type VoucherStateFilter struct {
	NftMint string
	Sold    *bool
	Limit   int
	Offset  int
}

type VoucherStateRecord struct {
	Pubkey       string `json:"pubkey"`
	NftMint      string `json:"nft_mint"`
	Sold         bool   `json:"sold"`
	LatestSaleAt int64  `json:"latest_sale_at"`
	Seq          uint64 `json:"seq"`
	UpdatedAt    int64  `json:"updated_at"`
}

type ExchangeRecord struct {
	Pubkey        string `json:"pubkey"`
	Authority     string `json:"authority"`
	TotalListings uint64 `json:"total_listings"`
	TotalBids     uint64 `json:"total_bids"`
	Seq           uint64 `json:"seq"`
	UpdatedAt     int64  `json:"updated_at"`
}

func (s *Store) ListListings(ctx context.Context, filter ListingFilter) ([]ListingRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 5)

	if filter.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.NftMint != "" {
		clauses = append(clauses, "nft_mint = ?")
		args = append(args, filter.NftMint)
	}
	if filter.Active != nil {
		clauses = append(clauses, "active = ?")
		args = append(args, boolToInt(*filter.Active))
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			owner,
			nft_mint,
			nft_escrow,
			price,
			payment_mint,
			active,
			seq,
			updated_at
		FROM listings
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ListingRecord, 0, limit)
	for rows.Next() {
		var item ListingRecord
		var active int
		var seq int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Owner,
			&item.NftMint,
			&item.NftEscrow,
			&item.Price,
			&item.PaymentMint,
			&active,
			&seq,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Active = active != 0
		item.Seq = uint64(seq)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListBids(ctx context.Context, filter BidFilter) ([]BidRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 6)

	if filter.Bidder != "" {
		clauses = append(clauses, "bidder = ?")
		args = append(args, filter.Bidder)
	}
	if filter.NftMint != "" {
		clauses = append(clauses, "nft_mint = ?")
		args = append(args, filter.NftMint)
	}
	if filter.Active != nil {
		clauses = append(clauses, "active = ?")
		args = append(args, boolToInt(*filter.Active))
	}
	if filter.RequiresRefund != nil {
		clauses = append(clauses, "requires_refund = ?")
		args = append(args, boolToInt(*filter.RequiresRefund))
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			bidder,
			nft_mint,
			price,
			payment_mint,
			escrow_account,
			active,
			requires_refund,
			seq,
			updated_at
		FROM bids
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]BidRecord, 0, limit)
	for rows.Next() {
		var item BidRecord
		var active, requiresRefund int
		var seq int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Bidder,
			&item.NftMint,
			&item.Price,
			&item.PaymentMint,
			&item.EscrowAccount,
			&active,
			&requiresRefund,
			&seq,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Active = active != 0
		item.RequiresRefund = requiresRefund != 0
		item.Seq = uint64(seq)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListVoucherStates(ctx context.Context, filter VoucherStateFilter) ([]VoucherStateRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.NftMint != "" {
		clauses = append(clauses, "nft_mint = ?")
		args = append(args, filter.NftMint)
	}
	if filter.Sold != nil {
		clauses = append(clauses, "sold = ?")
		args = append(args, boolToInt(*filter.Sold))
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			nft_mint,
			sold,
			latest_sale_at,
			seq,
			updated_at
		FROM voucher_states
		WHERE %s
		ORDER BY latest_sale_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]VoucherStateRecord, 0, limit)
	for rows.Next() {
		var item VoucherStateRecord
		var sold int
		var seq int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.NftMint,
			&sold,
			&item.LatestSaleAt,
			&seq,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Sold = sold != 0
		item.Seq = uint64(seq)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// GetExchange returns the singleton row, or nil before initialization is
// indexed.
func (s *Store) GetExchange(ctx context.Context) (*ExchangeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, authority, total_listings, total_bids, seq, updated_at
		FROM exchange_state
		ORDER BY updated_at DESC
		LIMIT 1
	`)

	var item ExchangeRecord
	var totalListings, totalBids, seq int64
	if err := row.Scan(&item.Pubkey, &item.Authority, &totalListings, &totalBids, &seq, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	item.TotalListings = uint64(totalListings)
	item.TotalBids = uint64(totalBids)
	item.Seq = uint64(seq)
	return &item, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
