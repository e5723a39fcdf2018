package vex

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorName(t *testing.T) {
	cases := map[error]string{
		ErrInvalidPrice:           "InvalidPrice",
		ErrNotNftOwner:            "NotNftOwner",
		ErrNotListingOwner:        "NotListingOwner",
		ErrNotBidder:              "NotBidder",
		ErrNotExchangeAuthority:   "NotExchangeAuthority",
		ErrInsufficientFunds:      "InsufficientFunds",
		ErrInsufficientNftAmount:  "InsufficientNftAmount",
		ErrListingNotActive:       "ListingNotActive",
		ErrBidNotActive:           "BidNotActive",
		ErrNftAlreadySold:         "NftAlreadySold",
		ErrBidNotRequiresRefund:   "BidNotRequiresRefund",
		ErrInvalidBidState:        "InvalidBidState",
		ErrInvalidEscrowOwner:     "InvalidEscrowOwner",
		ErrInvalidNftAccount:      "InvalidNftAccount",
	}
	for err, want := range cases {
		require.Equal(t, want, ErrorName(err))
	}
}

func TestErrorNameSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("create listing: %w", ErrInvalidPrice)
	require.Equal(t, "InvalidPrice", ErrorName(wrapped))
	require.True(t, errors.Is(wrapped, ErrInvalidPrice))
}

func TestErrorNameUnknown(t *testing.T) {
	require.Empty(t, ErrorName(errors.New("something else")))
	require.Empty(t, ErrorName(nil))
}
