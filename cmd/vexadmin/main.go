package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/config"
	"github.com/omni-points/voucher-exchange/internal/logging"
	_ "github.com/joho/godotenv/autoload"
)

const usage = `vexadmin signs and submits exchange instructions.

Usage:
  vexadmin initialize-exchange [--authority <pubkey>]
  vexadmin mark-bid-for-refund --bidder <pubkey> --nft-mint <pubkey>
  vexadmin refund-bid --nft-mint <pubkey>
  vexadmin cancel-bid --nft-mint <pubkey>
  vexadmin create-bid --nft-mint <pubkey> --payment-mint <pubkey> --price <amount>
  vexadmin create-mint --mint <pubkey> [--decimals <n>] [--token-program <pubkey>]
  vexadmin mint-to --mint <pubkey> --recipient <pubkey> --amount <amount>

The signing keypair comes from ADMIN_KEYPAIR_PATH (solana-keygen format);
the target server from ADMIN_SERVER_URL.
`

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

type instructionBody struct {
	Name   string            `json:"name"`
	Params instructionParams `json:"params"`
}

type instructionEnvelope struct {
	Signer      string          `json:"signer"`
	Signature   string          `json:"signature"`
	Instruction json.RawMessage `json:"instruction"`
}

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAdminConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("vexadmin", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	body, err := buildInstruction(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(2)
	}

	key, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		logger.Error("failed to load keypair", "path", cfg.KeypairPath, "err", err)
		os.Exit(1)
	}

	result, err := submit(context.Background(), cfg, key, body)
	if err != nil {
		logger.Error("instruction failed", "name", body.Name, "err", err)
		os.Exit(1)
	}

	logger.Info("instruction accepted", "name", body.Name, "signer", key.PublicKey())
	fmt.Println(result)
}

func buildInstruction(command string, args []string) (*instructionBody, error) {
	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	authority := flags.String("authority", "", "exchange authority pubkey (defaults to the signer)")
	bidder := flags.String("bidder", "", "bidder pubkey")
	nftMint := flags.String("nft-mint", "", "voucher NFT mint pubkey")
	paymentMint := flags.String("payment-mint", "", "payment token mint pubkey")
	price := flags.String("price", "", "price in the payment mint's smallest unit")
	mint := flags.String("mint", "", "token mint pubkey")
	tokenProgram := flags.String("token-program", "", "owning token program pubkey (defaults to the standard token program)")
	decimals := flags.Uint("decimals", 0, "mint decimals (0 for voucher NFTs)")
	recipient := flags.String("recipient", "", "recipient wallet pubkey")
	amount := flags.String("amount", "", "amount in the mint's smallest unit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	require := func(name, value string) (string, error) {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return "", fmt.Errorf("--%s is required for %s", name, command)
		}
		if _, err := solana.PublicKeyFromBase58(trimmed); err != nil {
			return "", fmt.Errorf("invalid --%s: %w", name, err)
		}
		return trimmed, nil
	}

	switch command {
	case "initialize-exchange":
		body := &instructionBody{Name: "initializeExchange"}
		if strings.TrimSpace(*authority) != "" {
			value, err := require("authority", *authority)
			if err != nil {
				return nil, err
			}
			body.Params.Authority = value
		}
		return body, nil

	case "mark-bid-for-refund":
		bidderValue, err := require("bidder", *bidder)
		if err != nil {
			return nil, err
		}
		mintValue, err := require("nft-mint", *nftMint)
		if err != nil {
			return nil, err
		}
		return &instructionBody{
			Name:   "markBidForRefund",
			Params: instructionParams{Bidder: bidderValue, NftMint: mintValue},
		}, nil

	case "refund-bid":
		mintValue, err := require("nft-mint", *nftMint)
		if err != nil {
			return nil, err
		}
		return &instructionBody{
			Name:   "refundBid",
			Params: instructionParams{NftMint: mintValue},
		}, nil

	case "cancel-bid":
		mintValue, err := require("nft-mint", *nftMint)
		if err != nil {
			return nil, err
		}
		return &instructionBody{
			Name:   "cancelVoucherBid",
			Params: instructionParams{NftMint: mintValue},
		}, nil

	case "create-bid":
		mintValue, err := require("nft-mint", *nftMint)
		if err != nil {
			return nil, err
		}
		paymentValue, err := require("payment-mint", *paymentMint)
		if err != nil {
			return nil, err
		}
		priceValue, err := strconv.ParseUint(strings.TrimSpace(*price), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --price: %w", err)
		}
		return &instructionBody{
			Name: "createVoucherBid",
			Params: instructionParams{
				NftMint:     mintValue,
				PaymentMint: paymentValue,
				Price:       priceValue,
			},
		}, nil

	case "create-mint":
		mintValue, err := require("mint", *mint)
		if err != nil {
			return nil, err
		}
		if *decimals > 255 {
			return nil, fmt.Errorf("invalid --decimals: must be at most 255")
		}
		body := &instructionBody{
			Name:   "createTokenMint",
			Params: instructionParams{Mint: mintValue, Decimals: uint8(*decimals)},
		}
		if strings.TrimSpace(*tokenProgram) != "" {
			value, err := require("token-program", *tokenProgram)
			if err != nil {
				return nil, err
			}
			body.Params.TokenProgram = value
		}
		return body, nil

	case "mint-to":
		mintValue, err := require("mint", *mint)
		if err != nil {
			return nil, err
		}
		recipientValue, err := require("recipient", *recipient)
		if err != nil {
			return nil, err
		}
		amountValue, err := strconv.ParseUint(strings.TrimSpace(*amount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --amount: %w", err)
		}
		return &instructionBody{
			Name: "mintTokens",
			Params: instructionParams{
				Mint:      mintValue,
				Recipient: recipientValue,
				Amount:    amountValue,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func submit(ctx context.Context, cfg config.AdminConfig, key solana.PrivateKey, body *instructionBody) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode instruction: %w", err)
	}
	signature, err := key.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("sign instruction: %w", err)
	}

	envelope, err := json.Marshal(instructionEnvelope{
		Signer:      key.PublicKey().String(),
		Signature:   signature.String(),
		Instruction: raw,
	})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	url := strings.TrimRight(cfg.ServerURL, "/") + "/api/v1/instructions"
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("submit instruction: %w", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server rejected instruction (%d): %s", response.StatusCode, strings.TrimSpace(string(payload)))
	}
	return strings.TrimSpace(string(payload)), nil
}
