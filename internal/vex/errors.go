package vex

import "errors"

// Instruction precondition failures. Every violation aborts the whole
// instruction with no partial state change; callers decide whether to
// resubmit against fresh account state.
var (
	ErrInvalidPrice          = errors.New("invalid price")
	ErrNotNftOwner           = errors.New("not the NFT owner")
	ErrNotListingOwner       = errors.New("not the listing owner")
	ErrNotBidder             = errors.New("not the bidder")
	ErrNotExchangeAuthority  = errors.New("not the exchange authority")
	ErrInsufficientFunds     = errors.New("insufficient funds for transaction")
	ErrInsufficientNftAmount = errors.New("insufficient NFT amount (must be 1)")
	ErrListingNotActive      = errors.New("listing is not active")
	ErrBidNotActive          = errors.New("bid is not active")
	ErrNftAlreadySold        = errors.New("NFT has already been sold")
	ErrBidNotRequiresRefund  = errors.New("bid does not require refund")
	ErrInvalidBidState       = errors.New("invalid bid state for this operation")
	ErrInvalidEscrowOwner    = errors.New("invalid escrow account owner")
	ErrInvalidNftAccount     = errors.New("invalid NFT token account")

	// Reserved for a marketplace fee model that was never wired into the
	// instruction surface.
	ErrFeeTooHigh = errors.New("exchange fee is too high")

	ErrExchangeAlreadyInitialized = errors.New("exchange already initialized")
	ErrExchangeNotInitialized     = errors.New("exchange not initialized")
	ErrListingAlreadyActive       = errors.New("an active listing already exists for this owner and mint")
	ErrBidAlreadyActive           = errors.New("an active bid already exists for this bidder and mint")
)

// ErrorName returns the short taxonomy name used on the wire, or "" for
// errors outside the taxonomy.
func ErrorName(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPrice):
		return "InvalidPrice"
	case errors.Is(err, ErrNotNftOwner):
		return "NotNftOwner"
	case errors.Is(err, ErrNotListingOwner):
		return "NotListingOwner"
	case errors.Is(err, ErrNotBidder):
		return "NotBidder"
	case errors.Is(err, ErrNotExchangeAuthority):
		return "NotExchangeAuthority"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrInsufficientNftAmount):
		return "InsufficientNftAmount"
	case errors.Is(err, ErrListingNotActive):
		return "ListingNotActive"
	case errors.Is(err, ErrBidNotActive):
		return "BidNotActive"
	case errors.Is(err, ErrNftAlreadySold):
		return "NftAlreadySold"
	case errors.Is(err, ErrBidNotRequiresRefund):
		return "BidNotRequiresRefund"
	case errors.Is(err, ErrInvalidBidState):
		return "InvalidBidState"
	case errors.Is(err, ErrInvalidEscrowOwner):
		return "InvalidEscrowOwner"
	case errors.Is(err, ErrInvalidNftAccount):
		return "InvalidNftAccount"
	case errors.Is(err, ErrFeeTooHigh):
		return "FeeTooHigh"
	case errors.Is(err, ErrExchangeAlreadyInitialized):
		return "ExchangeAlreadyInitialized"
	case errors.Is(err, ErrExchangeNotInitialized):
		return "ExchangeNotInitialized"
	case errors.Is(err, ErrListingAlreadyActive):
		return "ListingAlreadyActive"
	case errors.Is(err, ErrBidAlreadyActive):
		return "BidAlreadyActive"
	default:
		return ""
	}
}
