package apiserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/omni-points/voucher-exchange/internal/config"
	"github.com/omni-points/voucher-exchange/internal/exchange"
	"github.com/omni-points/voucher-exchange/internal/token"
)

func testKey(label string) solana.PublicKey {
	sum := sha256.Sum256([]byte(label))
	return solana.PublicKeyFromBytes(sum[:])
}

func newTestService(t *testing.T) (*Service, *exchange.Engine, *token.Router) {
	t.Helper()
	router := token.NewStandardRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := exchange.New(testKey("program"), router, nil, logger)
	cfg := config.ServerConfig{ListenAddr: ":0", AllowedOrigins: []string{"*"}}
	return New(cfg, engine, nil, logger), engine, router
}

func signEnvelope(t *testing.T, wallet *solana.Wallet, instruction any) []byte {
	t.Helper()
	raw, err := json.Marshal(instruction)
	require.NoError(t, err)
	signature, err := wallet.PrivateKey.Sign(raw)
	require.NoError(t, err)

	envelope, err := json.Marshal(instructionEnvelope{
		Signer:      wallet.PublicKey().String(),
		Signature:   signature.String(),
		Instruction: raw,
	})
	require.NoError(t, err)
	return envelope
}

func postInstruction(service *Service, body []byte) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	service.handleInstruction(recorder, request)
	return recorder
}

func TestInstructionInitializeExchange(t *testing.T) {
	service, engine, _ := newTestService(t)
	wallet := solana.NewWallet()

	body := signEnvelope(t, wallet, instructionBody{Name: "initializeExchange"})
	recorder := postInstruction(service, body)
	require.Equal(t, http.StatusOK, recorder.Code)

	state := engine.Exchange()
	require.NotNil(t, state)
	require.Equal(t, wallet.PublicKey(), state.Authority)

	// Re-initialization surfaces the taxonomy code.
	recorder = postInstruction(service, body)
	require.Equal(t, http.StatusConflict, recorder.Code)

	var errBody errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &errBody))
	require.Equal(t, "ExchangeAlreadyInitialized", errBody.Code)
}

func TestInstructionRejectsBadSignature(t *testing.T) {
	service, _, _ := newTestService(t)
	wallet := solana.NewWallet()
	impostor := solana.NewWallet()

	raw, err := json.Marshal(instructionBody{Name: "initializeExchange"})
	require.NoError(t, err)
	signature, err := impostor.PrivateKey.Sign(raw)
	require.NoError(t, err)

	body, err := json.Marshal(instructionEnvelope{
		Signer:      wallet.PublicKey().String(),
		Signature:   signature.String(),
		Instruction: raw,
	})
	require.NoError(t, err)

	recorder := postInstruction(service, body)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestInstructionRejectsTamperedPayload(t *testing.T) {
	service, engine, router := newTestService(t)
	authority := solana.NewWallet()
	_, err := engine.InitializeExchange(authority.PublicKey())
	require.NoError(t, err)

	paymentMint := testKey("payment-mint")
	ledger, err := router.ForProgram(solana.TokenProgramID)
	require.NoError(t, err)
	require.NoError(t, ledger.CreateMint(paymentMint, 9))

	bidder := solana.NewWallet()
	account, err := ledger.CreateAccount(bidder.PublicKey(), paymentMint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(paymentMint, account, 1_000))

	raw, err := json.Marshal(instructionBody{
		Name: "createVoucherBid",
		Params: instructionParams{
			NftMint:     testKey("nft-mint").String(),
			PaymentMint: paymentMint.String(),
			Price:       100,
		},
	})
	require.NoError(t, err)
	signature, err := bidder.PrivateKey.Sign(raw)
	require.NoError(t, err)

	// Raise the price after signing; the signature no longer matches.
	tampered := bytes.Replace(raw, []byte(`"price":100`), []byte(`"price":900`), 1)
	body, err := json.Marshal(instructionEnvelope{
		Signer:      bidder.PublicKey().String(),
		Signature:   signature.String(),
		Instruction: tampered,
	})
	require.NoError(t, err)

	recorder := postInstruction(service, body)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestInstructionFullSaleFlow(t *testing.T) {
	service, engine, router := newTestService(t)
	authority := solana.NewWallet()
	owner := solana.NewWallet()
	buyer := solana.NewWallet()

	_, err := engine.InitializeExchange(authority.PublicKey())
	require.NoError(t, err)

	ledger, err := router.ForProgram(solana.TokenProgramID)
	require.NoError(t, err)

	paymentMint := testKey("payment-mint")
	require.NoError(t, ledger.CreateMint(paymentMint, 9))
	nftMint := testKey("nft-mint")
	require.NoError(t, ledger.CreateMint(nftMint, 0))

	ownerNft, err := ledger.CreateAccount(owner.PublicKey(), nftMint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(nftMint, ownerNft, 1))
	buyerFunds, err := ledger.CreateAccount(buyer.PublicKey(), paymentMint)
	require.NoError(t, err)
	require.NoError(t, ledger.MintTo(paymentMint, buyerFunds, 500_000_000))

	listBody := signEnvelope(t, owner, instructionBody{
		Name: "createVoucherListing",
		Params: instructionParams{
			NftMint:     nftMint.String(),
			PaymentMint: paymentMint.String(),
			Price:       500_000_000,
		},
	})
	recorder := postInstruction(service, listBody)
	require.Equal(t, http.StatusOK, recorder.Code)

	fulfillBody := signEnvelope(t, buyer, instructionBody{
		Name: "fulfillVoucherListing",
		Params: instructionParams{
			NftMint: nftMint.String(),
			Owner:   owner.PublicKey().String(),
		},
	})
	recorder = postInstruction(service, fulfillBody)
	require.Equal(t, http.StatusOK, recorder.Code)

	state, ok := engine.VoucherState(nftMint)
	require.True(t, ok)
	require.True(t, state.Sold)
	require.InDelta(t, time.Now().Unix(), state.LatestSaleTimestamp, 5)
}

func TestInstructionUnknownName(t *testing.T) {
	service, _, _ := newTestService(t)
	wallet := solana.NewWallet()

	body := signEnvelope(t, wallet, instructionBody{Name: "burnEverything"})
	recorder := postInstruction(service, body)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestInstructionMissingParamIsBadRequest(t *testing.T) {
	service, engine, _ := newTestService(t)
	authority := solana.NewWallet()
	_, err := engine.InitializeExchange(authority.PublicKey())
	require.NoError(t, err)

	body := signEnvelope(t, solana.NewWallet(), instructionBody{
		Name:   "createVoucherListing",
		Params: instructionParams{PaymentMint: testKey("payment-mint").String(), Price: 100},
	})
	recorder := postInstruction(service, body)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var errBody errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &errBody))
	require.Contains(t, errBody.Error, "nft_mint")
}

func TestInstructionMintBootstrap(t *testing.T) {
	service, _, router := newTestService(t)
	authority := solana.NewWallet()
	bidder := solana.NewWallet()
	paymentMint := testKey("seeded-payment-mint")

	initBody := signEnvelope(t, authority, instructionBody{Name: "initializeExchange"})
	recorder := postInstruction(service, initBody)
	require.Equal(t, http.StatusOK, recorder.Code)

	// A non-authority signer cannot seed mints.
	mintBody := signEnvelope(t, bidder, instructionBody{
		Name:   "createTokenMint",
		Params: instructionParams{Mint: paymentMint.String(), Decimals: 9},
	})
	recorder = postInstruction(service, mintBody)
	require.Equal(t, http.StatusForbidden, recorder.Code)

	mintBody = signEnvelope(t, authority, instructionBody{
		Name:   "createTokenMint",
		Params: instructionParams{Mint: paymentMint.String(), Decimals: 9},
	})
	recorder = postInstruction(service, mintBody)
	require.Equal(t, http.StatusOK, recorder.Code)

	fundBody := signEnvelope(t, authority, instructionBody{
		Name: "mintTokens",
		Params: instructionParams{
			Mint:      paymentMint.String(),
			Recipient: bidder.PublicKey().String(),
			Amount:    1_000,
		},
	})
	recorder = postInstruction(service, fundBody)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Result tokensMintedResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, uint64(1_000), response.Result.Amount)

	ledger, err := router.ForProgram(solana.TokenProgramID)
	require.NoError(t, err)
	account, err := solana.PublicKeyFromBase58(response.Result.TokenAccount)
	require.NoError(t, err)
	balance, err := ledger.Balance(account)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), balance)

	// The seeded mint is live for trading.
	voucherMint := testKey("seeded-voucher-mint")
	require.NoError(t, ledger.CreateMint(voucherMint, 0))
	bidBody := signEnvelope(t, bidder, instructionBody{
		Name: "createVoucherBid",
		Params: instructionParams{
			NftMint:     voucherMint.String(),
			PaymentMint: paymentMint.String(),
			Price:       400,
		},
	})
	recorder = postInstruction(service, bidBody)
	require.Equal(t, http.StatusOK, recorder.Code)
}
