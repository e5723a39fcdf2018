package token

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrMintNotFound       = errors.New("mint not found")
	ErrAccountNotFound    = errors.New("token account not found")
	ErrAccountExists      = errors.New("token account already exists")
	ErrMintMismatch       = errors.New("token account mint mismatch")
	ErrNotAuthority       = errors.New("signer is not the account authority")
	ErrInsufficientTokens = errors.New("insufficient token balance")
	ErrNonEmptyAccount    = errors.New("token account balance is not zero")
)

// Account is a read-only snapshot of a token account.
type Account struct {
	Address   solana.PublicKey
	Mint      solana.PublicKey
	Authority solana.PublicKey
	Amount    uint64
}

// Ledger is the fungible/non-fungible token transfer primitive the exchange
// delegates custody movements to. Implementations guarantee that a transfer
// moves both balances or neither.
type Ledger interface {
	// CreateMint registers a mint with the given decimals. NFT mints use
	// zero decimals and a supply of one.
	CreateMint(mint solana.PublicKey, decimals uint8) error

	// CreateAccount opens the associated token account for (owner, mint)
	// and returns its address. Opening an existing account is a no-op.
	CreateAccount(owner, mint solana.PublicKey) (solana.PublicKey, error)

	// CreateAccountAt opens a token account at an explicit address, for
	// program-derived escrow custody.
	CreateAccountAt(address, authority, mint solana.PublicKey) error

	// Transfer moves amount from source to destination. The authority must
	// match the source account's authority.
	Transfer(source, destination, authority solana.PublicKey, amount uint64) error

	// CloseAccount removes an empty token account.
	CloseAccount(address, authority solana.PublicKey) error

	// MintTo credits freshly minted supply. Used by deployment tooling and
	// tests, not by the exchange instructions.
	MintTo(mint, destination solana.PublicKey, amount uint64) error

	Account(address solana.PublicKey) (Account, error)
	Balance(address solana.PublicKey) (uint64, error)
	MintDecimals(mint solana.PublicKey) (uint8, error)
	HasMint(mint solana.PublicKey) bool
}

// Router selects the concrete ledger backing a mint by the mint's owning
// program. The exchange core stays agnostic to which standard backs a given
// mint.
type Router struct {
	ledgers map[solana.PublicKey]Ledger
	order   []solana.PublicKey
}

func NewRouter() *Router {
	return &Router{ledgers: make(map[solana.PublicKey]Ledger)}
}

func (r *Router) Register(program solana.PublicKey, ledger Ledger) {
	if _, ok := r.ledgers[program]; !ok {
		r.order = append(r.order, program)
	}
	r.ledgers[program] = ledger
}

// Programs returns the registered owning programs in registration order.
func (r *Router) Programs() []solana.PublicKey {
	programs := make([]solana.PublicKey, len(r.order))
	copy(programs, r.order)
	return programs
}

// ForMint returns the ledger whose owning program holds the mint.
func (r *Router) ForMint(mint solana.PublicKey) (Ledger, error) {
	for _, program := range r.order {
		if r.ledgers[program].HasMint(mint) {
			return r.ledgers[program], nil
		}
	}
	return nil, fmt.Errorf("mint %s: %w", mint, ErrMintNotFound)
}

func (r *Router) ForProgram(program solana.PublicKey) (Ledger, error) {
	ledger, ok := r.ledgers[program]
	if !ok {
		return nil, fmt.Errorf("no ledger registered for program %s", program)
	}
	return ledger, nil
}

// NewStandardRouter wires in-memory ledgers for the standard token program
// and the token-2022 program.
func NewStandardRouter() *Router {
	r := NewRouter()
	r.Register(solana.TokenProgramID, NewMemoryLedger(solana.TokenProgramID))
	r.Register(solana.Token2022ProgramID, NewMemoryLedger(solana.Token2022ProgramID))
	return r
}
