package vex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seeds match the on-chain voucher exchange program. Any external caller
// recomputing addresses must use the same byte sequences.
var (
	exchangeSeed = []byte("voucher_exchange")
	listingSeed  = []byte("voucher_listing")
	bidSeed      = []byte("voucher_bid")
	escrowSeed   = []byte("escrow")
	stateSeed    = []byte("voucher_state")
)

func DeriveExchangePDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{exchangeSeed}, programID)
}

func DeriveListingPDA(programID, owner, nftMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{listingSeed, owner.Bytes(), nftMint.Bytes()}, programID)
}

func DeriveBidPDA(programID, bidder, nftMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{bidSeed, bidder.Bytes(), nftMint.Bytes()}, programID)
}

// DeriveListingEscrowPDA is the custody account for a listed NFT. It is
// scoped to the mint alone: a listing's escrow address never depends on any
// bidder.
func DeriveListingEscrowPDA(programID, nftMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{escrowSeed, nftMint.Bytes()}, programID)
}

// DeriveBidEscrowPDA is the custody account for escrowed bid funds, scoped
// to (bidder, mint). Callers must not substitute one escrow form for the
// other.
func DeriveBidEscrowPDA(programID, bidder, nftMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{escrowSeed, bidder.Bytes(), nftMint.Bytes()}, programID)
}

func DeriveVoucherStatePDA(programID, nftMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{stateSeed, nftMint.Bytes()}, programID)
}

func MustDeriveExchangePDA(programID solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveExchangePDA(programID)
	if err != nil {
		panic(fmt.Errorf("derive exchange PDA: %w", err))
	}
	return pk
}

func MustDeriveListingPDA(programID, owner, nftMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveListingPDA(programID, owner, nftMint)
	if err != nil {
		panic(fmt.Errorf("derive listing PDA: %w", err))
	}
	return pk
}

func MustDeriveBidPDA(programID, bidder, nftMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveBidPDA(programID, bidder, nftMint)
	if err != nil {
		panic(fmt.Errorf("derive bid PDA: %w", err))
	}
	return pk
}

func MustDeriveVoucherStatePDA(programID, nftMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveVoucherStatePDA(programID, nftMint)
	if err != nil {
		panic(fmt.Errorf("derive voucher state PDA: %w", err))
	}
	return pk
}
