package token

import (
	"crypto/sha256"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func key(label string) solana.PublicKey {
	sum := sha256.Sum256([]byte(label))
	return solana.PublicKeyFromBytes(sum[:])
}

func TestTransferMovesBothBalances(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mint := key("mint")
	require.NoError(t, ledger.CreateMint(mint, 9))

	alice, err := ledger.CreateAccount(key("alice"), mint)
	require.NoError(t, err)
	bob, err := ledger.CreateAccount(key("bob"), mint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(mint, alice, 1_000))

	require.NoError(t, ledger.Transfer(alice, bob, key("alice"), 300))

	aliceBalance, err := ledger.Balance(alice)
	require.NoError(t, err)
	bobBalance, err := ledger.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(700), aliceBalance)
	require.Equal(t, uint64(300), bobBalance)
}

func TestTransferChecks(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mintA := key("mint-a")
	mintB := key("mint-b")
	require.NoError(t, ledger.CreateMint(mintA, 0))
	require.NoError(t, ledger.CreateMint(mintB, 0))

	alice, err := ledger.CreateAccount(key("alice"), mintA)
	require.NoError(t, err)
	bob, err := ledger.CreateAccount(key("bob"), mintA)
	require.NoError(t, err)
	carolB, err := ledger.CreateAccount(key("carol"), mintB)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(mintA, alice, 10))

	err = ledger.Transfer(alice, bob, key("not-alice"), 1)
	require.ErrorIs(t, err, ErrNotAuthority)

	err = ledger.Transfer(alice, carolB, key("alice"), 1)
	require.ErrorIs(t, err, ErrMintMismatch)

	err = ledger.Transfer(alice, bob, key("alice"), 11)
	require.ErrorIs(t, err, ErrInsufficientTokens)

	// Nothing moved across the failed attempts.
	balance, err := ledger.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(10), balance)
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mint := key("mint")
	require.NoError(t, ledger.CreateMint(mint, 6))

	first, err := ledger.CreateAccount(key("alice"), mint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(mint, first, 42))

	second, err := ledger.CreateAccount(key("alice"), mint)
	require.NoError(t, err)
	require.Equal(t, first, second)

	balance, err := ledger.Balance(second)
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance)
}

func TestCreateAccountAtEscrowCustody(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mint := key("mint")
	require.NoError(t, ledger.CreateMint(mint, 9))

	escrow := key("escrow-address")
	authority := key("escrow-authority")
	require.NoError(t, ledger.CreateAccountAt(escrow, authority, mint))

	err := ledger.CreateAccountAt(escrow, authority, mint)
	require.ErrorIs(t, err, ErrAccountExists)

	account, err := ledger.Account(escrow)
	require.NoError(t, err)
	require.Equal(t, authority, account.Authority)
	require.Equal(t, mint, account.Mint)
}

func TestCloseAccount(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mint := key("mint")
	require.NoError(t, ledger.CreateMint(mint, 9))

	account, err := ledger.CreateAccount(key("alice"), mint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(mint, account, 5))

	err = ledger.CloseAccount(account, key("alice"))
	require.ErrorIs(t, err, ErrNonEmptyAccount)

	sink, err := ledger.CreateAccount(key("bob"), mint)
	require.NoError(t, err)
	require.NoError(t, ledger.Transfer(account, sink, key("alice"), 5))

	err = ledger.CloseAccount(account, key("not-alice"))
	require.ErrorIs(t, err, ErrNotAuthority)
	require.NoError(t, ledger.CloseAccount(account, key("alice")))

	_, err = ledger.Balance(account)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRouterSelectsByMintOwner(t *testing.T) {
	router := NewStandardRouter()
	classic, err := router.ForProgram(solana.TokenProgramID)
	require.NoError(t, err)
	modern, err := router.ForProgram(solana.Token2022ProgramID)
	require.NoError(t, err)

	classicMint := key("classic-mint")
	modernMint := key("modern-mint")
	require.NoError(t, classic.CreateMint(classicMint, 9))
	require.NoError(t, modern.CreateMint(modernMint, 2))

	got, err := router.ForMint(classicMint)
	require.NoError(t, err)
	require.Same(t, classic, got)

	got, err = router.ForMint(modernMint)
	require.NoError(t, err)
	require.Same(t, modern, got)

	_, err = router.ForMint(key("unknown-mint"))
	require.ErrorIs(t, err, ErrMintNotFound)
}

func TestLedgerStateRoundTrip(t *testing.T) {
	ledger := NewMemoryLedger(solana.TokenProgramID)
	mint := key("mint")
	require.NoError(t, ledger.CreateMint(mint, 9))
	alice, err := ledger.CreateAccount(key("alice"), mint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(mint, alice, 750))
	escrow := key("escrow")
	require.NoError(t, ledger.CreateAccountAt(escrow, escrow, mint))
	require.NoError(t, ledger.Transfer(alice, escrow, key("alice"), 250))

	state := ledger.State()

	fresh := NewMemoryLedger(solana.TokenProgramID)
	require.NoError(t, fresh.LoadState(state))

	decimals, err := fresh.MintDecimals(mint)
	require.NoError(t, err)
	require.Equal(t, uint8(9), decimals)

	aliceBalance, err := fresh.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(500), aliceBalance)

	account, err := fresh.Account(escrow)
	require.NoError(t, err)
	require.Equal(t, escrow, account.Authority)
	require.Equal(t, uint64(250), account.Amount)

	// Escrow funds keep moving after the reload.
	require.NoError(t, fresh.Transfer(escrow, alice, escrow, 250))
	require.NoError(t, fresh.CloseAccount(escrow, escrow))
}

func TestLoadStateRejectsOrphanAccount(t *testing.T) {
	fresh := NewMemoryLedger(solana.TokenProgramID)
	err := fresh.LoadState(LedgerState{
		Accounts: []AccountState{{Address: key("acct"), Mint: key("missing-mint")}},
	})
	require.ErrorIs(t, err, ErrMintNotFound)
}
