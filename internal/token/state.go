package token

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// MintState is the serializable form of a mint.
type MintState struct {
	Address  solana.PublicKey
	Decimals uint8
	Supply   uint64
}

// AccountState is the serializable form of a token account.
type AccountState struct {
	Address   solana.PublicKey
	Mint      solana.PublicKey
	Authority solana.PublicKey
	Amount    uint64
}

// LedgerState is a point-in-time copy of one ledger's mints and accounts.
type LedgerState struct {
	Mints    []MintState
	Accounts []AccountState
}

// Stateful is the capability a ledger exposes when its contents can be
// captured and restored across a process restart.
type Stateful interface {
	State() LedgerState
	LoadState(state LedgerState) error
}

func (l *MemoryLedger) State() LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state := LedgerState{
		Mints:    make([]MintState, 0, len(l.mints)),
		Accounts: make([]AccountState, 0, len(l.accounts)),
	}
	for address, info := range l.mints {
		state.Mints = append(state.Mints, MintState{
			Address:  address,
			Decimals: info.decimals,
			Supply:   info.supply,
		})
	}
	for address, account := range l.accounts {
		state.Accounts = append(state.Accounts, AccountState{
			Address:   address,
			Mint:      account.mint,
			Authority: account.authority,
			Amount:    account.amount,
		})
	}
	return state
}

// LoadState replaces the ledger contents. Every account must reference a
// mint present in the same state.
func (l *MemoryLedger) LoadState(state LedgerState) error {
	mints := make(map[solana.PublicKey]*mintInfo, len(state.Mints))
	for _, mint := range state.Mints {
		mints[mint.Address] = &mintInfo{decimals: mint.Decimals, supply: mint.Supply}
	}
	accounts := make(map[solana.PublicKey]*tokenAccount, len(state.Accounts))
	for _, account := range state.Accounts {
		if _, ok := mints[account.Mint]; !ok {
			return fmt.Errorf("account %s references mint %s: %w", account.Address, account.Mint, ErrMintNotFound)
		}
		accounts[account.Address] = &tokenAccount{
			mint:      account.Mint,
			authority: account.Authority,
			amount:    account.Amount,
		}
	}

	l.mu.Lock()
	l.mints = mints
	l.accounts = accounts
	l.mu.Unlock()
	return nil
}
