package vex

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

func TestDerivationsAreDeterministic(t *testing.T) {
	program := key("program")
	owner := key("owner")
	bidder := key("bidder")
	mint := key("mint")

	a1, bump1, err := DeriveListingPDA(program, owner, mint)
	require.NoError(t, err)
	a2, bump2, err := DeriveListingPDA(program, owner, mint)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Equal(t, bump1, bump2)

	b1, _, err := DeriveBidPDA(program, bidder, mint)
	require.NoError(t, err)
	require.NotEqual(t, a1, b1)
}

func TestDerivationsSeparateKinds(t *testing.T) {
	program := key("program")
	owner := key("owner")
	mint := key("mint")

	seen := map[solana.PublicKey]string{}
	record := func(name string, address solana.PublicKey) {
		if prior, ok := seen[address]; ok {
			t.Fatalf("%s collides with %s at %s", name, prior, address)
		}
		seen[address] = name
	}

	exchange, _, err := DeriveExchangePDA(program)
	require.NoError(t, err)
	record("exchange", exchange)

	listing, _, err := DeriveListingPDA(program, owner, mint)
	require.NoError(t, err)
	record("listing", listing)

	bid, _, err := DeriveBidPDA(program, owner, mint)
	require.NoError(t, err)
	record("bid", bid)

	listingEscrow, _, err := DeriveListingEscrowPDA(program, mint)
	require.NoError(t, err)
	record("listing escrow", listingEscrow)

	bidEscrow, _, err := DeriveBidEscrowPDA(program, owner, mint)
	require.NoError(t, err)
	record("bid escrow", bidEscrow)

	state, _, err := DeriveVoucherStatePDA(program, mint)
	require.NoError(t, err)
	record("voucher state", state)
}

func TestEscrowFormsDifferPerParty(t *testing.T) {
	program := key("program")
	mint := key("mint")

	// The listing escrow depends only on the mint; the bid escrow is keyed
	// by bidder as well.
	listingEscrow, _, err := DeriveListingEscrowPDA(program, mint)
	require.NoError(t, err)

	e1, _, err := DeriveBidEscrowPDA(program, key("bidder-1"), mint)
	require.NoError(t, err)
	e2, _, err := DeriveBidEscrowPDA(program, key("bidder-2"), mint)
	require.NoError(t, err)

	require.NotEqual(t, e1, e2)
	require.NotEqual(t, listingEscrow, e1)
	require.NotEqual(t, listingEscrow, e2)
}

func TestDerivationsSeparatePrograms(t *testing.T) {
	owner := key("owner")
	mint := key("mint")

	a, _, err := DeriveListingPDA(key("program-1"), owner, mint)
	require.NoError(t, err)
	b, _, err := DeriveListingPDA(key("program-2"), owner, mint)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestMustVariantsMatch(t *testing.T) {
	program := key("program")
	owner := key("owner")
	mint := key("mint")

	derived, _, err := DeriveListingPDA(program, owner, mint)
	require.NoError(t, err)
	require.Equal(t, derived, MustDeriveListingPDA(program, owner, mint))

	exchange, _, err := DeriveExchangePDA(program)
	require.NoError(t, err)
	require.Equal(t, exchange, MustDeriveExchangePDA(program))
}
