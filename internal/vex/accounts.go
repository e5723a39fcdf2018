package vex

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Account discriminators follow the Anchor convention:
// sha256("account:<Name>")[0:8].
var (
	VoucherExchangeDiscriminator = accountDiscriminator("VoucherExchange")
	VoucherListingDiscriminator  = accountDiscriminator("VoucherListing")
	VoucherBidDiscriminator      = accountDiscriminator("VoucherBid")
	VoucherStateDiscriminator    = accountDiscriminator("VoucherState")
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// VoucherExchange is the global singleton. Counters track created records,
// not currently-active ones.
type VoucherExchange struct {
	Authority     solana.PublicKey
	TotalListings uint64
	TotalBids     uint64
	Bump          uint8
}

// VoucherListing is one owner's standing offer to sell one NFT at a fixed
// price. While Active the NFT sits in the listing escrow, not with the
// owner.
type VoucherListing struct {
	Owner       solana.PublicKey
	NftMint     solana.PublicKey
	NftEscrow   solana.PublicKey
	Price       uint64
	PaymentMint solana.PublicKey
	Active      bool
	Bump        uint8
}

// VoucherBid is a buyer's standing offer backed by escrowed funds. While
// Active the escrow balance equals Price exactly.
type VoucherBid struct {
	Bidder         solana.PublicKey
	NftMint        solana.PublicKey
	Price          uint64
	PaymentMint    solana.PublicKey
	EscrowAccount  solana.PublicKey
	Active         bool
	RequiresRefund bool
	Bump           uint8
	EscrowBump     uint8
}

// VoucherState records whether a mint has ever completed a sale through the
// exchange. It is an audit trail, not a re-sale gate.
type VoucherState struct {
	NftMint             solana.PublicKey
	Sold                bool
	LatestSaleTimestamp int64
	Bump                uint8
}

func (obj VoucherExchange) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(VoucherExchangeDiscriminator[:], false); err != nil {
		return err
	}
	if err := encoder.Encode(obj.Authority); err != nil {
		return err
	}
	if err := encoder.Encode(obj.TotalListings); err != nil {
		return err
	}
	if err := encoder.Encode(obj.TotalBids); err != nil {
		return err
	}
	return encoder.Encode(obj.Bump)
}

func (obj *VoucherExchange) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, VoucherExchangeDiscriminator, "VoucherExchange"); err != nil {
		return err
	}
	if err := decoder.Decode(&obj.Authority); err != nil {
		return err
	}
	if err := decoder.Decode(&obj.TotalListings); err != nil {
		return err
	}
	if err := decoder.Decode(&obj.TotalBids); err != nil {
		return err
	}
	return decoder.Decode(&obj.Bump)
}

func (obj VoucherListing) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(VoucherListingDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []any{obj.Owner, obj.NftMint, obj.NftEscrow, obj.Price, obj.PaymentMint, obj.Active, obj.Bump} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *VoucherListing) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, VoucherListingDiscriminator, "VoucherListing"); err != nil {
		return err
	}
	for _, field := range []any{&obj.Owner, &obj.NftMint, &obj.NftEscrow, &obj.Price, &obj.PaymentMint, &obj.Active, &obj.Bump} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj VoucherBid) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(VoucherBidDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []any{obj.Bidder, obj.NftMint, obj.Price, obj.PaymentMint, obj.EscrowAccount, obj.Active, obj.RequiresRefund, obj.Bump, obj.EscrowBump} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *VoucherBid) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, VoucherBidDiscriminator, "VoucherBid"); err != nil {
		return err
	}
	for _, field := range []any{&obj.Bidder, &obj.NftMint, &obj.Price, &obj.PaymentMint, &obj.EscrowAccount, &obj.Active, &obj.RequiresRefund, &obj.Bump, &obj.EscrowBump} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj VoucherState) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(VoucherStateDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []any{obj.NftMint, obj.Sold, obj.LatestSaleTimestamp, obj.Bump} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *VoucherState) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, VoucherStateDiscriminator, "VoucherState"); err != nil {
		return err
	}
	for _, field := range []any{&obj.NftMint, &obj.Sold, &obj.LatestSaleTimestamp, &obj.Bump} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func checkDiscriminator(decoder *bin.Decoder, want [8]byte, name string) error {
	got, err := decoder.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("read %s discriminator: %w", name, err)
	}
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("account data does not start with the %s discriminator", name)
	}
	return nil
}

func ParseVoucherExchange(data []byte) (*VoucherExchange, error) {
	out := new(VoucherExchange)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, err
	}
	return out, nil
}

func ParseVoucherListing(data []byte) (*VoucherListing, error) {
	out := new(VoucherListing)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, err
	}
	return out, nil
}

func ParseVoucherBid(data []byte) (*VoucherBid, error) {
	out := new(VoucherBid)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, err
	}
	return out, nil
}

func ParseVoucherState(data []byte) (*VoucherState, error) {
	out := new(VoucherState)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, err
	}
	return out, nil
}

type borshMarshaler interface {
	MarshalWithEncoder(*bin.Encoder) error
}

// AccountData renders a record in its on-the-wire layout (discriminator +
// borsh body).
func AccountData(obj borshMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := obj.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
