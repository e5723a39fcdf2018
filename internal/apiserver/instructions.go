package apiserver

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/vex"
)

// instructionEnvelope is a signed instruction submission. The signature
// covers the raw bytes of the instruction field, so the signer commits to
// the exact operation and parameters. The signer is always the acting
// party: the owner for listing operations, the bidder for bid operations,
// the buyer for fulfillment, the exchange authority for refund marking.
type instructionEnvelope struct {
	Signer      string          `json:"signer"`
	Signature   string          `json:"signature"`
	Instruction json.RawMessage `json:"instruction"`
}

type instructionBody struct {
	Name   string            `json:"name"`
	Params instructionParams `json:"params"`
}

type instructionParams struct {
	Authority    string `json:"authority,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Bidder       string `json:"bidder,omitempty"`
	NftMint      string `json:"nft_mint,omitempty"`
	PaymentMint  string `json:"payment_mint,omitempty"`
	Price        uint64 `json:"price,omitempty"`
	Mint         string `json:"mint,omitempty"`
	TokenProgram string `json:"token_program,omitempty"`
	Decimals     uint8  `json:"decimals,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Amount       uint64 `json:"amount,omitempty"`
}

type instructionResponse struct {
	Result any `json:"result"`
}

type mintCreatedResponse struct {
	Mint         string `json:"mint"`
	TokenProgram string `json:"token_program"`
	Decimals     uint8  `json:"decimals"`
}

type tokensMintedResponse struct {
	Mint         string `json:"mint"`
	Recipient    string `json:"recipient"`
	TokenAccount string `json:"token_account"`
	Amount       uint64 `json:"amount"`
}

// requestError marks a malformed submission, as opposed to an instruction
// the engine rejected.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func (s *Service) handleInstruction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var envelope instructionEnvelope
	if err := decodeJSONBody(r, &envelope); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	signer, err := solana.PublicKeyFromBase58(strings.TrimSpace(envelope.Signer))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid signer pubkey")
		return
	}
	if len(envelope.Instruction) == 0 {
		s.respondError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if err := verifyEnvelopeSignature(signer, envelope.Signature, envelope.Instruction); err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var body instructionBody
	if err := json.Unmarshal(envelope.Instruction, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid instruction: %v", err))
		return
	}

	result, err := s.dispatchInstruction(signer, body)
	if err != nil {
		s.respondInstructionError(w, body.Name, err)
		return
	}

	s.logger.Info("instruction executed", "name", body.Name, "signer", signer)
	s.respondJSON(w, http.StatusOK, instructionResponse{Result: result})
}

func (s *Service) dispatchInstruction(signer solana.PublicKey, body instructionBody) (any, error) {
	switch strings.TrimSpace(body.Name) {
	case "initializeExchange":
		authority := signer
		if body.Params.Authority != "" {
			parsed, err := solana.PublicKeyFromBase58(body.Params.Authority)
			if err != nil {
				return nil, badRequestf("invalid authority: %v", err)
			}
			authority = parsed
		}
		return s.engine.InitializeExchange(authority)

	case "createTokenMint":
		mint, err := parsePubkeyParam("mint", body.Params.Mint)
		if err != nil {
			return nil, err
		}
		tokenProgram := solana.TokenProgramID
		if body.Params.TokenProgram != "" {
			if tokenProgram, err = parsePubkeyParam("token_program", body.Params.TokenProgram); err != nil {
				return nil, err
			}
		}
		if err := s.engine.CreateTokenMint(signer, mint, tokenProgram, body.Params.Decimals); err != nil {
			return nil, err
		}
		return mintCreatedResponse{
			Mint:         mint.String(),
			TokenProgram: tokenProgram.String(),
			Decimals:     body.Params.Decimals,
		}, nil

	case "mintTokens":
		mint, err := parsePubkeyParam("mint", body.Params.Mint)
		if err != nil {
			return nil, err
		}
		recipient, err := parsePubkeyParam("recipient", body.Params.Recipient)
		if err != nil {
			return nil, err
		}
		if body.Params.Amount == 0 {
			return nil, badRequestf("invalid amount: must be positive")
		}
		account, err := s.engine.MintTokens(signer, mint, recipient, body.Params.Amount)
		if err != nil {
			return nil, err
		}
		return tokensMintedResponse{
			Mint:         mint.String(),
			Recipient:    recipient.String(),
			TokenAccount: account.String(),
			Amount:       body.Params.Amount,
		}, nil

	case "createVoucherListing":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		paymentMint, err := parsePubkeyParam("payment_mint", body.Params.PaymentMint)
		if err != nil {
			return nil, err
		}
		return s.engine.CreateVoucherListing(signer, nftMint, paymentMint, body.Params.Price)

	case "createVoucherBid":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		paymentMint, err := parsePubkeyParam("payment_mint", body.Params.PaymentMint)
		if err != nil {
			return nil, err
		}
		return s.engine.CreateVoucherBid(signer, nftMint, paymentMint, body.Params.Price)

	case "acceptVoucherBid":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		bidder, err := parsePubkeyParam("bidder", body.Params.Bidder)
		if err != nil {
			return nil, err
		}
		return s.engine.AcceptVoucherBid(signer, bidder, nftMint)

	case "fulfillVoucherListing":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		owner, err := parsePubkeyParam("owner", body.Params.Owner)
		if err != nil {
			return nil, err
		}
		return s.engine.FulfillVoucherListing(signer, owner, nftMint)

	case "cancelVoucherListing":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		return s.engine.CancelVoucherListing(signer, nftMint)

	case "cancelVoucherBid":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		return s.engine.CancelVoucherBid(signer, nftMint)

	case "markBidForRefund":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		bidder, err := parsePubkeyParam("bidder", body.Params.Bidder)
		if err != nil {
			return nil, err
		}
		return s.engine.MarkBidForRefund(signer, bidder, nftMint)

	case "refundBid":
		nftMint, err := parsePubkeyParam("nft_mint", body.Params.NftMint)
		if err != nil {
			return nil, err
		}
		return s.engine.RefundBid(signer, nftMint)

	default:
		return nil, badRequestf("unknown instruction %q", body.Name)
	}
}

// respondInstructionError maps engine failures onto the wire taxonomy:
// malformed submissions and precondition violations come back as 4xx,
// anything else as a 500.
func (s *Service) respondInstructionError(w http.ResponseWriter, name string, err error) {
	code := vex.ErrorName(err)
	if code == "" {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			s.respondError(w, http.StatusBadRequest, reqErr.Error())
			return
		}
		s.logger.Error("instruction failed", "name", name, "err", err)
		s.respondError(w, http.StatusInternalServerError, "instruction failed")
		return
	}

	status := http.StatusConflict
	switch code {
	case "NotNftOwner", "NotListingOwner", "NotBidder", "NotExchangeAuthority":
		status = http.StatusForbidden
	case "InvalidPrice", "InvalidNftAccount":
		status = http.StatusBadRequest
	}

	s.logger.Warn("instruction rejected", "name", name, "code", code)
	s.respondJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func parsePubkeyParam(name, raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, badRequestf("invalid %s: required", name)
	}
	pk, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, badRequestf("invalid %s: %v", name, err)
	}
	return pk, nil
}

func verifyEnvelopeSignature(signer solana.PublicKey, signature string, message []byte) error {
	sigBytes, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(signer[:], message, sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if sig, err := solana.SignatureFromBase58(trimmed); err == nil {
		return sig[:], nil
	}
	if bytes, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := hex.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}

	return nil, fmt.Errorf("unsupported signature encoding")
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
