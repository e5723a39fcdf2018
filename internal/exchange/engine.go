package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/token"
	"github.com/omni-points/voucher-exchange/internal/vex"
)

// Clock is the read-only timestamp source used to stamp sale records.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock source used outside tests.
func SystemClock() Clock { return systemClock{} }

// Engine is the voucher exchange instruction processor. Every instruction
// executes as an atomic unit over the accounts it touches: preconditions
// are checked up front under the account locks, token custody moves through
// the ledger router, and records mutate only after custody has moved.
type Engine struct {
	programID solana.PublicKey
	tokens    *token.Router
	clock     Clock
	logger    *slog.Logger

	locks *lockTable
	hub   *eventHub

	mu       sync.RWMutex
	exchange *vex.VoucherExchange
	listings map[solana.PublicKey]*vex.VoucherListing
	bids     map[solana.PublicKey]*vex.VoucherBid
	states   map[solana.PublicKey]*vex.VoucherState
}

func New(programID solana.PublicKey, tokens *token.Router, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		programID: programID,
		tokens:    tokens,
		clock:     clock,
		logger:    logger,
		locks:     newLockTable(),
		hub:       newEventHub(logger),
		listings:  make(map[solana.PublicKey]*vex.VoucherListing),
		bids:      make(map[solana.PublicKey]*vex.VoucherBid),
		states:    make(map[solana.PublicKey]*vex.VoucherState),
	}
}

func (e *Engine) ProgramID() solana.PublicKey { return e.programID }

func (e *Engine) Tokens() *token.Router { return e.tokens }

// Subscribe returns a feed of committed account updates. The cancel
// function closes the channel.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.hub.subscribe()
}

// InitializeExchange creates the global singleton and sets the authority
// permitted to mark bids for refund.
func (e *Engine) InitializeExchange(authority solana.PublicKey) (*vex.VoucherExchange, error) {
	exchangeKey, bump, err := vex.DeriveExchangePDA(e.programID)
	if err != nil {
		return nil, fmt.Errorf("derive exchange PDA: %w", err)
	}

	release := e.locks.acquire(exchangeKey)
	defer release()

	e.mu.Lock()
	if e.exchange != nil {
		e.mu.Unlock()
		return nil, vex.ErrExchangeAlreadyInitialized
	}
	record := &vex.VoucherExchange{Authority: authority, Bump: bump}
	e.exchange = record
	snapshot := *record
	e.mu.Unlock()

	e.logger.Info("exchange initialized", "exchange", exchangeKey, "authority", authority)
	e.hub.publish(Event{Kind: EventExchange, Pubkey: exchangeKey, At: e.clock.Now(), Exchange: &snapshot})
	return &snapshot, nil
}

// CreateVoucherListing moves the NFT into listing escrow and records an
// active listing priced in the payment mint's smallest unit.
func (e *Engine) CreateVoucherListing(owner, nftMint, paymentMint solana.PublicKey, price uint64) (*vex.VoucherListing, error) {
	if price == 0 {
		return nil, vex.ErrInvalidPrice
	}

	nftLedger, err := e.tokens.ForMint(nftMint)
	if err != nil {
		return nil, fmt.Errorf("resolve NFT mint ledger: %w", err)
	}
	if _, err := e.tokens.ForMint(paymentMint); err != nil {
		return nil, fmt.Errorf("resolve payment mint ledger: %w", err)
	}

	ownerNftAccount, _, err := solana.FindAssociatedTokenAddress(owner, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive owner NFT account: %w", err)
	}

	exchangeKey := vex.MustDeriveExchangePDA(e.programID)
	listingKey, bump, err := vex.DeriveListingPDA(e.programID, owner, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive listing PDA: %w", err)
	}
	escrowKey, _, err := vex.DeriveListingEscrowPDA(e.programID, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive listing escrow PDA: %w", err)
	}

	release := e.locks.acquire(exchangeKey, listingKey, escrowKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exchange == nil {
		return nil, vex.ErrExchangeNotInitialized
	}
	if existing, ok := e.listings[listingKey]; ok && existing.Active {
		return nil, vex.ErrListingAlreadyActive
	}

	account, err := nftLedger.Account(ownerNftAccount)
	if err != nil {
		if errors.Is(err, token.ErrAccountNotFound) {
			return nil, vex.ErrNotNftOwner
		}
		return nil, fmt.Errorf("load owner NFT account: %w", err)
	}
	if account.Mint != nftMint {
		return nil, vex.ErrInvalidNftAccount
	}
	if account.Authority != owner {
		return nil, vex.ErrNotNftOwner
	}
	if account.Amount != 1 {
		return nil, vex.ErrInsufficientNftAmount
	}

	// Custody: escrow token account at the mint-scoped PDA, controlled by
	// the listing record.
	if err := nftLedger.CreateAccountAt(escrowKey, listingKey, nftMint); err != nil {
		return nil, fmt.Errorf("create listing escrow: %w", err)
	}
	if err := nftLedger.Transfer(ownerNftAccount, escrowKey, owner, 1); err != nil {
		_ = nftLedger.CloseAccount(escrowKey, listingKey)
		return nil, fmt.Errorf("move NFT to escrow: %w", err)
	}

	record := &vex.VoucherListing{
		Owner:       owner,
		NftMint:     nftMint,
		NftEscrow:   escrowKey,
		Price:       price,
		PaymentMint: paymentMint,
		Active:      true,
		Bump:        bump,
	}
	e.listings[listingKey] = record
	e.exchange.TotalListings++

	listingSnapshot := *record
	exchangeSnapshot := *e.exchange
	now := e.clock.Now()

	e.logger.Info("listing created",
		"listing", listingKey, "owner", owner, "nft_mint", nftMint, "price", price)
	e.hub.publish(
		Event{Kind: EventListing, Pubkey: listingKey, At: now, Listing: &listingSnapshot},
		Event{Kind: EventExchange, Pubkey: exchangeKey, At: now, Exchange: &exchangeSnapshot},
	)
	return &listingSnapshot, nil
}

// CreateVoucherBid escrows the bid amount and records an active bid. The
// voucher state for the mint may not exist yet; absence is treated exactly
// like sold=false.
func (e *Engine) CreateVoucherBid(bidder, nftMint, paymentMint solana.PublicKey, price uint64) (*vex.VoucherBid, error) {
	if price == 0 {
		return nil, vex.ErrInvalidPrice
	}

	paymentLedger, err := e.tokens.ForMint(paymentMint)
	if err != nil {
		return nil, fmt.Errorf("resolve payment mint ledger: %w", err)
	}

	bidderTokenAccount, _, err := solana.FindAssociatedTokenAddress(bidder, paymentMint)
	if err != nil {
		return nil, fmt.Errorf("derive bidder token account: %w", err)
	}

	exchangeKey := vex.MustDeriveExchangePDA(e.programID)
	bidKey, bump, err := vex.DeriveBidPDA(e.programID, bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive bid PDA: %w", err)
	}
	escrowKey, escrowBump, err := vex.DeriveBidEscrowPDA(e.programID, bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive bid escrow PDA: %w", err)
	}
	stateKey := vex.MustDeriveVoucherStatePDA(e.programID, nftMint)

	release := e.locks.acquire(exchangeKey, bidKey, escrowKey, stateKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exchange == nil {
		return nil, vex.ErrExchangeNotInitialized
	}
	if existing, ok := e.bids[bidKey]; ok && existing.Active {
		return nil, vex.ErrBidAlreadyActive
	}

	account, err := paymentLedger.Account(bidderTokenAccount)
	if err != nil {
		if errors.Is(err, token.ErrAccountNotFound) {
			return nil, vex.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("load bidder token account: %w", err)
	}
	if account.Mint != paymentMint || account.Authority != bidder {
		return nil, vex.ErrNotBidder
	}
	if account.Amount < price {
		return nil, vex.ErrInsufficientFunds
	}

	if state, ok := e.states[stateKey]; ok && state.Sold {
		e.logger.Warn("bid placed on previously sold mint",
			"bidder", bidder, "nft_mint", nftMint, "last_sale", state.LatestSaleTimestamp)
	}

	if err := paymentLedger.CreateAccountAt(escrowKey, escrowKey, paymentMint); err != nil {
		return nil, fmt.Errorf("create bid escrow: %w", err)
	}
	if err := paymentLedger.Transfer(bidderTokenAccount, escrowKey, bidder, price); err != nil {
		_ = paymentLedger.CloseAccount(escrowKey, escrowKey)
		return nil, fmt.Errorf("move bid funds to escrow: %w", err)
	}

	record := &vex.VoucherBid{
		Bidder:        bidder,
		NftMint:       nftMint,
		Price:         price,
		PaymentMint:   paymentMint,
		EscrowAccount: escrowKey,
		Active:        true,
		Bump:          bump,
		EscrowBump:    escrowBump,
	}
	e.bids[bidKey] = record
	e.exchange.TotalBids++

	bidSnapshot := *record
	exchangeSnapshot := *e.exchange
	now := e.clock.Now()

	e.logger.Info("bid created",
		"bid", bidKey, "bidder", bidder, "nft_mint", nftMint, "price", price)
	e.hub.publish(
		Event{Kind: EventBid, Pubkey: bidKey, At: now, Bid: &bidSnapshot},
		Event{Kind: EventExchange, Pubkey: exchangeKey, At: now, Exchange: &exchangeSnapshot},
	)
	return &bidSnapshot, nil
}

// AcceptVoucherBid settles a bid: the NFT moves to the bidder (through the
// caller's listing escrow when one is active, directly from the caller's
// token account otherwise) and the escrowed funds move to the caller.
func (e *Engine) AcceptVoucherBid(owner, bidder, nftMint solana.PublicKey) (*vex.VoucherBid, error) {
	nftLedger, err := e.tokens.ForMint(nftMint)
	if err != nil {
		return nil, fmt.Errorf("resolve NFT mint ledger: %w", err)
	}

	bidKey := vex.MustDeriveBidPDA(e.programID, bidder, nftMint)
	bidEscrowKey, _, err := vex.DeriveBidEscrowPDA(e.programID, bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive bid escrow PDA: %w", err)
	}
	listingKey := vex.MustDeriveListingPDA(e.programID, owner, nftMint)
	listingEscrowKey, _, err := vex.DeriveListingEscrowPDA(e.programID, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive listing escrow PDA: %w", err)
	}
	stateKey := vex.MustDeriveVoucherStatePDA(e.programID, nftMint)

	release := e.locks.acquire(bidKey, bidEscrowKey, listingKey, listingEscrowKey, stateKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	bid, ok := e.bids[bidKey]
	if !ok || !bid.Active {
		return nil, vex.ErrBidNotActive
	}
	if bid.RequiresRefund {
		return nil, vex.ErrInvalidBidState
	}

	if other := e.activeListingForMint(nftMint); other != nil && other.Owner != owner {
		return nil, vex.ErrNotListingOwner
	}

	paymentLedger, err := e.tokens.ForMint(bid.PaymentMint)
	if err != nil {
		return nil, fmt.Errorf("resolve payment mint ledger: %w", err)
	}

	listing := e.listings[listingKey]
	listed := listing != nil && listing.Active

	var nftSource, nftAuthority solana.PublicKey
	if listed {
		nftSource = listing.NftEscrow
		nftAuthority = listingKey
	} else {
		ownerNftAccount, _, err := solana.FindAssociatedTokenAddress(owner, nftMint)
		if err != nil {
			return nil, fmt.Errorf("derive owner NFT account: %w", err)
		}
		account, err := nftLedger.Account(ownerNftAccount)
		if err != nil || account.Amount != 1 {
			// The caller has no custody path. If the mint already completed
			// a sale, the bid lost the race to another settlement.
			if state, ok := e.states[stateKey]; ok && state.Sold {
				return nil, vex.ErrNftAlreadySold
			}
			if err != nil {
				return nil, vex.ErrNotNftOwner
			}
			return nil, vex.ErrInsufficientNftAmount
		}
		nftSource = ownerNftAccount
		nftAuthority = owner
	}

	bidderNftAccount, err := nftLedger.CreateAccount(bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("create bidder NFT account: %w", err)
	}
	ownerPaymentAccount, err := paymentLedger.CreateAccount(owner, bid.PaymentMint)
	if err != nil {
		return nil, fmt.Errorf("create owner payment account: %w", err)
	}

	if err := nftLedger.Transfer(nftSource, bidderNftAccount, nftAuthority, 1); err != nil {
		return nil, fmt.Errorf("move NFT to bidder: %w", err)
	}
	// Full price to the seller: zero-fee accounting.
	if err := paymentLedger.Transfer(bid.EscrowAccount, ownerPaymentAccount, bid.EscrowAccount, bid.Price); err != nil {
		return nil, fmt.Errorf("move escrowed funds to owner: %w", err)
	}
	if err := paymentLedger.CloseAccount(bid.EscrowAccount, bid.EscrowAccount); err != nil {
		return nil, fmt.Errorf("close bid escrow: %w", err)
	}

	events := make([]Event, 0, 3)
	now := e.clock.Now()

	if listed {
		if err := nftLedger.CloseAccount(listing.NftEscrow, listingKey); err != nil {
			return nil, fmt.Errorf("close listing escrow: %w", err)
		}
		listing.Active = false
		listingSnapshot := *listing
		events = append(events, Event{Kind: EventListing, Pubkey: listingKey, At: now, Listing: &listingSnapshot})
	}

	bid.Active = false
	state := e.upsertSoldState(stateKey, nftMint, now)

	bidSnapshot := *bid
	stateSnapshot := *state
	events = append(events,
		Event{Kind: EventBid, Pubkey: bidKey, At: now, Bid: &bidSnapshot},
		Event{Kind: EventVoucher, Pubkey: stateKey, At: now, State: &stateSnapshot},
	)

	e.logger.Info("bid accepted",
		"bid", bidKey, "owner", owner, "bidder", bidder, "nft_mint", nftMint, "price", bid.Price, "listed", listed)
	e.hub.publish(events...)
	return &bidSnapshot, nil
}

// FulfillVoucherListing is the buy-now path: the buyer pays the listed
// price and receives the escrowed NFT.
func (e *Engine) FulfillVoucherListing(buyer, owner, nftMint solana.PublicKey) (*vex.VoucherListing, error) {
	nftLedger, err := e.tokens.ForMint(nftMint)
	if err != nil {
		return nil, fmt.Errorf("resolve NFT mint ledger: %w", err)
	}

	listingKey := vex.MustDeriveListingPDA(e.programID, owner, nftMint)
	listingEscrowKey, _, err := vex.DeriveListingEscrowPDA(e.programID, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive listing escrow PDA: %w", err)
	}
	stateKey := vex.MustDeriveVoucherStatePDA(e.programID, nftMint)

	release := e.locks.acquire(listingKey, listingEscrowKey, stateKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	listing, ok := e.listings[listingKey]
	if !ok || !listing.Active {
		return nil, vex.ErrListingNotActive
	}

	paymentLedger, err := e.tokens.ForMint(listing.PaymentMint)
	if err != nil {
		return nil, fmt.Errorf("resolve payment mint ledger: %w", err)
	}

	buyerPaymentAccount, _, err := solana.FindAssociatedTokenAddress(buyer, listing.PaymentMint)
	if err != nil {
		return nil, fmt.Errorf("derive buyer payment account: %w", err)
	}
	account, err := paymentLedger.Account(buyerPaymentAccount)
	if err != nil {
		if errors.Is(err, token.ErrAccountNotFound) {
			return nil, vex.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("load buyer payment account: %w", err)
	}
	if account.Amount < listing.Price {
		return nil, vex.ErrInsufficientFunds
	}

	buyerNftAccount, err := nftLedger.CreateAccount(buyer, nftMint)
	if err != nil {
		return nil, fmt.Errorf("create buyer NFT account: %w", err)
	}
	ownerPaymentAccount, err := paymentLedger.CreateAccount(owner, listing.PaymentMint)
	if err != nil {
		return nil, fmt.Errorf("create owner payment account: %w", err)
	}

	// Full price to the seller: zero-fee accounting.
	if err := paymentLedger.Transfer(buyerPaymentAccount, ownerPaymentAccount, buyer, listing.Price); err != nil {
		return nil, fmt.Errorf("move payment to owner: %w", err)
	}
	if err := nftLedger.Transfer(listing.NftEscrow, buyerNftAccount, listingKey, 1); err != nil {
		return nil, fmt.Errorf("move NFT to buyer: %w", err)
	}
	if err := nftLedger.CloseAccount(listing.NftEscrow, listingKey); err != nil {
		return nil, fmt.Errorf("close listing escrow: %w", err)
	}

	now := e.clock.Now()
	listing.Active = false
	state := e.upsertSoldState(stateKey, nftMint, now)

	listingSnapshot := *listing
	stateSnapshot := *state

	e.logger.Info("listing fulfilled",
		"listing", listingKey, "owner", owner, "buyer", buyer, "nft_mint", nftMint, "price", listing.Price)
	e.hub.publish(
		Event{Kind: EventListing, Pubkey: listingKey, At: now, Listing: &listingSnapshot},
		Event{Kind: EventVoucher, Pubkey: stateKey, At: now, State: &stateSnapshot},
	)
	return &listingSnapshot, nil
}

// CancelVoucherListing returns the escrowed NFT to the owner and retires
// the listing.
func (e *Engine) CancelVoucherListing(owner, nftMint solana.PublicKey) (*vex.VoucherListing, error) {
	nftLedger, err := e.tokens.ForMint(nftMint)
	if err != nil {
		return nil, fmt.Errorf("resolve NFT mint ledger: %w", err)
	}

	listingKey := vex.MustDeriveListingPDA(e.programID, owner, nftMint)
	listingEscrowKey, _, err := vex.DeriveListingEscrowPDA(e.programID, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive listing escrow PDA: %w", err)
	}

	release := e.locks.acquire(listingKey, listingEscrowKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	listing, ok := e.listings[listingKey]
	if !ok || !listing.Active {
		return nil, vex.ErrListingNotActive
	}
	if listing.Owner != owner {
		return nil, vex.ErrNotListingOwner
	}

	ownerNftAccount, err := nftLedger.CreateAccount(owner, nftMint)
	if err != nil {
		return nil, fmt.Errorf("create owner NFT account: %w", err)
	}
	if err := nftLedger.Transfer(listing.NftEscrow, ownerNftAccount, listingKey, 1); err != nil {
		return nil, fmt.Errorf("return NFT to owner: %w", err)
	}
	if err := nftLedger.CloseAccount(listing.NftEscrow, listingKey); err != nil {
		return nil, fmt.Errorf("close listing escrow: %w", err)
	}

	listing.Active = false
	listingSnapshot := *listing

	e.logger.Info("listing cancelled", "listing", listingKey, "owner", owner, "nft_mint", nftMint)
	e.hub.publish(Event{Kind: EventListing, Pubkey: listingKey, At: e.clock.Now(), Listing: &listingSnapshot})
	return &listingSnapshot, nil
}

// CancelVoucherBid returns the escrowed funds to the bidder and retires the
// bid.
func (e *Engine) CancelVoucherBid(bidder, nftMint solana.PublicKey) (*vex.VoucherBid, error) {
	bidKey := vex.MustDeriveBidPDA(e.programID, bidder, nftMint)
	bidEscrowKey, _, err := vex.DeriveBidEscrowPDA(e.programID, bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive bid escrow PDA: %w", err)
	}

	release := e.locks.acquire(bidKey, bidEscrowKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	bid, ok := e.bids[bidKey]
	if !ok || !bid.Active {
		return nil, vex.ErrBidNotActive
	}
	if bid.Bidder != bidder {
		return nil, vex.ErrNotBidder
	}

	if err := e.drainBidEscrow(bid); err != nil {
		return nil, err
	}
	bid.Active = false
	bid.RequiresRefund = false
	bidSnapshot := *bid

	e.logger.Info("bid cancelled", "bid", bidKey, "bidder", bidder, "nft_mint", nftMint)
	e.hub.publish(Event{Kind: EventBid, Pubkey: bidKey, At: e.clock.Now(), Bid: &bidSnapshot})
	return &bidSnapshot, nil
}

// MarkBidForRefund flags a live bid as unfulfillable. Authority only; the
// bidder then claims the escrow back through RefundBid.
func (e *Engine) MarkBidForRefund(authority, bidder, nftMint solana.PublicKey) (*vex.VoucherBid, error) {
	exchangeKey := vex.MustDeriveExchangePDA(e.programID)
	bidKey := vex.MustDeriveBidPDA(e.programID, bidder, nftMint)

	release := e.locks.acquire(exchangeKey, bidKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exchange == nil {
		return nil, vex.ErrExchangeNotInitialized
	}
	if e.exchange.Authority != authority {
		return nil, vex.ErrNotExchangeAuthority
	}

	bid, ok := e.bids[bidKey]
	if !ok {
		return nil, vex.ErrInvalidBidState
	}
	if !bid.Active || bid.RequiresRefund {
		return nil, vex.ErrInvalidBidState
	}

	bid.RequiresRefund = true
	bidSnapshot := *bid

	e.logger.Info("bid marked for refund", "bid", bidKey, "bidder", bidder, "nft_mint", nftMint)
	e.hub.publish(Event{Kind: EventBid, Pubkey: bidKey, At: e.clock.Now(), Bid: &bidSnapshot})
	return &bidSnapshot, nil
}

// RefundBid pays the escrow back to the bidder of a refund-marked bid.
// Succeeds exactly once per mark.
func (e *Engine) RefundBid(bidder, nftMint solana.PublicKey) (*vex.VoucherBid, error) {
	bidKey := vex.MustDeriveBidPDA(e.programID, bidder, nftMint)
	bidEscrowKey, _, err := vex.DeriveBidEscrowPDA(e.programID, bidder, nftMint)
	if err != nil {
		return nil, fmt.Errorf("derive bid escrow PDA: %w", err)
	}

	release := e.locks.acquire(bidKey, bidEscrowKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	bid, ok := e.bids[bidKey]
	if !ok || !bid.RequiresRefund {
		return nil, vex.ErrBidNotRequiresRefund
	}
	if bid.Bidder != bidder {
		return nil, vex.ErrNotBidder
	}
	if !bid.Active {
		return nil, vex.ErrBidNotActive
	}

	if err := e.drainBidEscrow(bid); err != nil {
		return nil, err
	}
	bid.Active = false
	bid.RequiresRefund = false
	bidSnapshot := *bid

	e.logger.Info("bid refunded", "bid", bidKey, "bidder", bidder, "nft_mint", nftMint, "amount", bid.Price)
	e.hub.publish(Event{Kind: EventBid, Pubkey: bidKey, At: e.clock.Now(), Bid: &bidSnapshot})
	return &bidSnapshot, nil
}

// CreateTokenMint registers a mint under the given owning token program.
// Operator tooling uses this to seed the payment and voucher mints the
// exchange will trade; only the exchange authority may create mints.
func (e *Engine) CreateTokenMint(authority, mint, tokenProgram solana.PublicKey, decimals uint8) error {
	e.mu.RLock()
	exchange := e.exchange
	e.mu.RUnlock()
	if exchange == nil {
		return vex.ErrExchangeNotInitialized
	}
	if exchange.Authority != authority {
		return vex.ErrNotExchangeAuthority
	}

	ledger, err := e.tokens.ForProgram(tokenProgram)
	if err != nil {
		return fmt.Errorf("resolve token program ledger: %w", err)
	}
	if err := ledger.CreateMint(mint, decimals); err != nil {
		return fmt.Errorf("create mint: %w", err)
	}

	e.logger.Info("token mint created", "mint", mint, "token_program", tokenProgram, "decimals", decimals)
	return nil
}

// MintTokens credits freshly minted supply to the recipient's associated
// token account, creating the account if needed. Only the exchange
// authority may mint. Returns the funded token account.
func (e *Engine) MintTokens(authority, mint, recipient solana.PublicKey, amount uint64) (solana.PublicKey, error) {
	e.mu.RLock()
	exchange := e.exchange
	e.mu.RUnlock()
	if exchange == nil {
		return solana.PublicKey{}, vex.ErrExchangeNotInitialized
	}
	if exchange.Authority != authority {
		return solana.PublicKey{}, vex.ErrNotExchangeAuthority
	}

	ledger, err := e.tokens.ForMint(mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("resolve mint ledger: %w", err)
	}
	account, err := ledger.CreateAccount(recipient, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("create recipient token account: %w", err)
	}
	if err := ledger.MintTo(mint, account, amount); err != nil {
		return solana.PublicKey{}, fmt.Errorf("mint to %s: %w", account, err)
	}

	e.logger.Info("tokens minted", "mint", mint, "recipient", recipient, "account", account, "amount", amount)
	return account, nil
}

// drainBidEscrow pays the full escrow balance back to the bidder and closes
// the escrow account. Caller holds the engine and account locks.
func (e *Engine) drainBidEscrow(bid *vex.VoucherBid) error {
	paymentLedger, err := e.tokens.ForMint(bid.PaymentMint)
	if err != nil {
		return fmt.Errorf("resolve payment mint ledger: %w", err)
	}
	bidderTokenAccount, err := paymentLedger.CreateAccount(bid.Bidder, bid.PaymentMint)
	if err != nil {
		return fmt.Errorf("create bidder token account: %w", err)
	}
	if err := paymentLedger.Transfer(bid.EscrowAccount, bidderTokenAccount, bid.EscrowAccount, bid.Price); err != nil {
		return fmt.Errorf("return escrowed funds: %w", err)
	}
	if err := paymentLedger.CloseAccount(bid.EscrowAccount, bid.EscrowAccount); err != nil {
		return fmt.Errorf("close bid escrow: %w", err)
	}
	return nil
}

// upsertSoldState records a completed sale. Caller holds the engine lock.
func (e *Engine) upsertSoldState(stateKey, nftMint solana.PublicKey, now time.Time) *vex.VoucherState {
	state, ok := e.states[stateKey]
	if !ok {
		_, bump, err := vex.DeriveVoucherStatePDA(e.programID, nftMint)
		if err != nil {
			bump = 0
		}
		state = &vex.VoucherState{NftMint: nftMint, Bump: bump}
		e.states[stateKey] = state
	}
	state.Sold = true
	state.LatestSaleTimestamp = now.Unix()
	return state
}

// activeListingForMint scans for a live listing on the mint regardless of
// owner. Caller holds the engine lock.
func (e *Engine) activeListingForMint(nftMint solana.PublicKey) *vex.VoucherListing {
	for _, listing := range e.listings {
		if listing.Active && listing.NftMint == nftMint {
			return listing
		}
	}
	return nil
}

// Exchange returns a copy of the singleton, or nil before initialization.
func (e *Engine) Exchange() *vex.VoucherExchange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.exchange == nil {
		return nil
	}
	snapshot := *e.exchange
	return &snapshot
}

// Listing returns a copy of the listing record for (owner, nftMint).
func (e *Engine) Listing(owner, nftMint solana.PublicKey) (*vex.VoucherListing, bool) {
	listingKey := vex.MustDeriveListingPDA(e.programID, owner, nftMint)
	e.mu.RLock()
	defer e.mu.RUnlock()
	listing, ok := e.listings[listingKey]
	if !ok {
		return nil, false
	}
	snapshot := *listing
	return &snapshot, true
}

// Bid returns a copy of the bid record for (bidder, nftMint).
func (e *Engine) Bid(bidder, nftMint solana.PublicKey) (*vex.VoucherBid, bool) {
	bidKey := vex.MustDeriveBidPDA(e.programID, bidder, nftMint)
	e.mu.RLock()
	defer e.mu.RUnlock()
	bid, ok := e.bids[bidKey]
	if !ok {
		return nil, false
	}
	snapshot := *bid
	return &snapshot, true
}

// VoucherState returns a copy of the sale-audit record for the mint.
func (e *Engine) VoucherState(nftMint solana.PublicKey) (*vex.VoucherState, bool) {
	stateKey := vex.MustDeriveVoucherStatePDA(e.programID, nftMint)
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[stateKey]
	if !ok {
		return nil, false
	}
	snapshot := *state
	return &snapshot, true
}

// AccountData renders the record at the address in its wire layout, for
// callers that recompute PDAs and decode accounts themselves.
func (e *Engine) AccountData(address solana.PublicKey) ([]byte, EventKind, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.exchange != nil {
		if exchangeKey := vex.MustDeriveExchangePDA(e.programID); exchangeKey == address {
			data, err := vex.AccountData(*e.exchange)
			return data, EventExchange, err
		}
	}
	if listing, ok := e.listings[address]; ok {
		data, err := vex.AccountData(*listing)
		return data, EventListing, err
	}
	if bid, ok := e.bids[address]; ok {
		data, err := vex.AccountData(*bid)
		return data, EventBid, err
	}
	if state, ok := e.states[address]; ok {
		data, err := vex.AccountData(*state)
		return data, EventVoucher, err
	}
	return nil, "", fmt.Errorf("no account at %s", address)
}

// RecordSet is a point-in-time copy of every record keyed by address,
// stamped with the event sequence current when the copy was taken.
type RecordSet struct {
	Seq         uint64
	ExchangeKey solana.PublicKey
	Exchange    *vex.VoucherExchange
	Listings    map[solana.PublicKey]vex.VoucherListing
	Bids        map[solana.PublicKey]vex.VoucherBid
	States      map[solana.PublicKey]vex.VoucherState
}

// Records copies the full record set, for read-model resynchronization.
func (e *Engine) Records() RecordSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := RecordSet{
		Seq:      e.hub.currentSeq(),
		Listings: make(map[solana.PublicKey]vex.VoucherListing, len(e.listings)),
		Bids:     make(map[solana.PublicKey]vex.VoucherBid, len(e.bids)),
		States:   make(map[solana.PublicKey]vex.VoucherState, len(e.states)),
	}
	if e.exchange != nil {
		snapshot := *e.exchange
		set.Exchange = &snapshot
		set.ExchangeKey = vex.MustDeriveExchangePDA(e.programID)
	}
	for key, listing := range e.listings {
		set.Listings[key] = *listing
	}
	for key, bid := range e.bids {
		set.Bids[key] = *bid
	}
	for key, state := range e.states {
		set.States[key] = *state
	}
	return set
}
