package token

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type mintInfo struct {
	decimals uint8
	supply   uint64
}

type tokenAccount struct {
	mint      solana.PublicKey
	authority solana.PublicKey
	amount    uint64
}

// MemoryLedger is an in-process token ledger for one owning program. All
// mutations happen under a single lock, so a transfer debits and credits
// atomically.
type MemoryLedger struct {
	program solana.PublicKey

	mu       sync.RWMutex
	mints    map[solana.PublicKey]*mintInfo
	accounts map[solana.PublicKey]*tokenAccount
}

func NewMemoryLedger(program solana.PublicKey) *MemoryLedger {
	return &MemoryLedger{
		program:  program,
		mints:    make(map[solana.PublicKey]*mintInfo),
		accounts: make(map[solana.PublicKey]*tokenAccount),
	}
}

func (l *MemoryLedger) Program() solana.PublicKey { return l.program }

func (l *MemoryLedger) CreateMint(mint solana.PublicKey, decimals uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mints[mint]; ok {
		return fmt.Errorf("mint %s already exists", mint)
	}
	l.mints[mint] = &mintInfo{decimals: decimals}
	return nil
}

func (l *MemoryLedger) CreateAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mints[mint]; !ok {
		return solana.PublicKey{}, fmt.Errorf("mint %s: %w", mint, ErrMintNotFound)
	}
	if existing, ok := l.accounts[address]; ok {
		if existing.mint != mint {
			return solana.PublicKey{}, fmt.Errorf("account %s: %w", address, ErrMintMismatch)
		}
		return address, nil
	}
	l.accounts[address] = &tokenAccount{mint: mint, authority: owner}
	return address, nil
}

func (l *MemoryLedger) CreateAccountAt(address, authority, mint solana.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mints[mint]; !ok {
		return fmt.Errorf("mint %s: %w", mint, ErrMintNotFound)
	}
	if _, ok := l.accounts[address]; ok {
		return fmt.Errorf("account %s: %w", address, ErrAccountExists)
	}
	l.accounts[address] = &tokenAccount{mint: mint, authority: authority}
	return nil
}

func (l *MemoryLedger) Transfer(source, destination, authority solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[source]
	if !ok {
		return fmt.Errorf("source %s: %w", source, ErrAccountNotFound)
	}
	dst, ok := l.accounts[destination]
	if !ok {
		return fmt.Errorf("destination %s: %w", destination, ErrAccountNotFound)
	}
	if src.mint != dst.mint {
		return fmt.Errorf("transfer %s -> %s: %w", source, destination, ErrMintMismatch)
	}
	if src.authority != authority {
		return fmt.Errorf("source %s: %w", source, ErrNotAuthority)
	}
	if src.amount < amount {
		return fmt.Errorf("source %s has %d, need %d: %w", source, src.amount, amount, ErrInsufficientTokens)
	}

	src.amount -= amount
	dst.amount += amount
	return nil
}

func (l *MemoryLedger) CloseAccount(address, authority solana.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[address]
	if !ok {
		return fmt.Errorf("account %s: %w", address, ErrAccountNotFound)
	}
	if account.authority != authority {
		return fmt.Errorf("account %s: %w", address, ErrNotAuthority)
	}
	if account.amount != 0 {
		return fmt.Errorf("account %s: %w", address, ErrNonEmptyAccount)
	}
	delete(l.accounts, address)
	return nil
}

func (l *MemoryLedger) MintTo(mint, destination solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.mints[mint]
	if !ok {
		return fmt.Errorf("mint %s: %w", mint, ErrMintNotFound)
	}
	account, ok := l.accounts[destination]
	if !ok {
		return fmt.Errorf("destination %s: %w", destination, ErrAccountNotFound)
	}
	if account.mint != mint {
		return fmt.Errorf("destination %s: %w", destination, ErrMintMismatch)
	}
	info.supply += amount
	account.amount += amount
	return nil
}

func (l *MemoryLedger) Account(address solana.PublicKey) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	account, ok := l.accounts[address]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", address, ErrAccountNotFound)
	}
	return Account{
		Address:   address,
		Mint:      account.mint,
		Authority: account.authority,
		Amount:    account.amount,
	}, nil
}

func (l *MemoryLedger) Balance(address solana.PublicKey) (uint64, error) {
	account, err := l.Account(address)
	if err != nil {
		return 0, err
	}
	return account.Amount, nil
}

func (l *MemoryLedger) MintDecimals(mint solana.PublicKey) (uint8, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.mints[mint]
	if !ok {
		return 0, fmt.Errorf("mint %s: %w", mint, ErrMintNotFound)
	}
	return info.decimals, nil
}

func (l *MemoryLedger) HasMint(mint solana.PublicKey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.mints[mint]
	return ok
}
