package exchange

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/token"
	"github.com/omni-points/voucher-exchange/internal/vex"
)

// Snapshot layout: magic, format version, one section per record kind,
// then the token ledger state per registered program. Record sections are
// a little-endian count followed by (pubkey, length-prefixed wire data)
// pairs and reuse the account wire layout, so a snapshot stays decodable
// by the same parsers as live account data. The ledger section restores
// escrow custody alongside the records, so an active bid's escrow balance
// still equals its price after a restart.

var snapshotMagic = [4]byte{'V', 'E', 'X', 'S'}

const snapshotVersion uint16 = 2

// Snapshot writes the full record set. It holds the read lock for the
// duration, so in-flight instructions commit either entirely before or
// entirely after the snapshot.
func (e *Engine) Snapshot(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return fmt.Errorf("write snapshot magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotVersion); err != nil {
		return fmt.Errorf("write snapshot version: %w", err)
	}

	exchangeRecords := map[solana.PublicKey][]byte{}
	if e.exchange != nil {
		data, err := vex.AccountData(*e.exchange)
		if err != nil {
			return fmt.Errorf("encode exchange record: %w", err)
		}
		exchangeRecords[vex.MustDeriveExchangePDA(e.programID)] = data
	}
	if err := writeSection(w, exchangeRecords); err != nil {
		return fmt.Errorf("write exchange section: %w", err)
	}

	listingRecords := make(map[solana.PublicKey][]byte, len(e.listings))
	for key, listing := range e.listings {
		data, err := vex.AccountData(*listing)
		if err != nil {
			return fmt.Errorf("encode listing %s: %w", key, err)
		}
		listingRecords[key] = data
	}
	if err := writeSection(w, listingRecords); err != nil {
		return fmt.Errorf("write listing section: %w", err)
	}

	bidRecords := make(map[solana.PublicKey][]byte, len(e.bids))
	for key, bid := range e.bids {
		data, err := vex.AccountData(*bid)
		if err != nil {
			return fmt.Errorf("encode bid %s: %w", key, err)
		}
		bidRecords[key] = data
	}
	if err := writeSection(w, bidRecords); err != nil {
		return fmt.Errorf("write bid section: %w", err)
	}

	stateRecords := make(map[solana.PublicKey][]byte, len(e.states))
	for key, state := range e.states {
		data, err := vex.AccountData(*state)
		if err != nil {
			return fmt.Errorf("encode voucher state %s: %w", key, err)
		}
		stateRecords[key] = data
	}
	if err := writeSection(w, stateRecords); err != nil {
		return fmt.Errorf("write voucher state section: %w", err)
	}

	if err := writeLedgerSection(w, e.tokens); err != nil {
		return fmt.Errorf("write ledger section: %w", err)
	}
	return nil
}

// Restore replaces the record set and the token ledger contents from a
// snapshot. Meant for startup, before the engine serves instructions.
func (e *Engine) Restore(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("read snapshot magic: %w", err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("not a snapshot stream (magic %q)", magic[:])
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read snapshot version: %w", err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	exchangeRecords, err := readSection(r)
	if err != nil {
		return fmt.Errorf("read exchange section: %w", err)
	}
	listingRecords, err := readSection(r)
	if err != nil {
		return fmt.Errorf("read listing section: %w", err)
	}
	bidRecords, err := readSection(r)
	if err != nil {
		return fmt.Errorf("read bid section: %w", err)
	}
	stateRecords, err := readSection(r)
	if err != nil {
		return fmt.Errorf("read voucher state section: %w", err)
	}
	ledgerStates, err := readLedgerSection(r)
	if err != nil {
		return fmt.Errorf("read ledger section: %w", err)
	}

	var exchange *vex.VoucherExchange
	for key, data := range exchangeRecords {
		parsed, err := vex.ParseVoucherExchange(data)
		if err != nil {
			return fmt.Errorf("decode exchange record %s: %w", key, err)
		}
		exchange = parsed
	}
	listings := make(map[solana.PublicKey]*vex.VoucherListing, len(listingRecords))
	for key, data := range listingRecords {
		parsed, err := vex.ParseVoucherListing(data)
		if err != nil {
			return fmt.Errorf("decode listing %s: %w", key, err)
		}
		listings[key] = parsed
	}
	bids := make(map[solana.PublicKey]*vex.VoucherBid, len(bidRecords))
	for key, data := range bidRecords {
		parsed, err := vex.ParseVoucherBid(data)
		if err != nil {
			return fmt.Errorf("decode bid %s: %w", key, err)
		}
		bids[key] = parsed
	}
	states := make(map[solana.PublicKey]*vex.VoucherState, len(stateRecords))
	for key, data := range stateRecords {
		parsed, err := vex.ParseVoucherState(data)
		if err != nil {
			return fmt.Errorf("decode voucher state %s: %w", key, err)
		}
		states[key] = parsed
	}

	for program, state := range ledgerStates {
		ledger, err := e.tokens.ForProgram(program)
		if err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		stateful, ok := ledger.(token.Stateful)
		if !ok {
			return fmt.Errorf("ledger for program %s cannot be restored", program)
		}
		if err := stateful.LoadState(state); err != nil {
			return fmt.Errorf("restore ledger for program %s: %w", program, err)
		}
	}

	e.mu.Lock()
	e.exchange = exchange
	e.listings = listings
	e.bids = bids
	e.states = states
	e.mu.Unlock()
	return nil
}

func writeLedgerSection(w io.Writer, tokens *token.Router) error {
	programs := tokens.Programs()
	stateful := make(map[solana.PublicKey]token.Stateful, len(programs))
	for _, program := range programs {
		ledger, err := tokens.ForProgram(program)
		if err != nil {
			return err
		}
		if capable, ok := ledger.(token.Stateful); ok {
			stateful[program] = capable
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(stateful))); err != nil {
		return err
	}
	for _, program := range programs {
		capable, ok := stateful[program]
		if !ok {
			continue
		}
		state := capable.State()
		if _, err := w.Write(program.Bytes()); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(state.Mints))); err != nil {
			return err
		}
		for _, mint := range state.Mints {
			if _, err := w.Write(mint.Address.Bytes()); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, mint.Decimals); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, mint.Supply); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(state.Accounts))); err != nil {
			return err
		}
		for _, account := range state.Accounts {
			if _, err := w.Write(account.Address.Bytes()); err != nil {
				return err
			}
			if _, err := w.Write(account.Mint.Bytes()); err != nil {
				return err
			}
			if _, err := w.Write(account.Authority.Bytes()); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, account.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func readLedgerSection(r io.Reader) (map[solana.PublicKey]token.LedgerState, error) {
	var programCount uint32
	if err := binary.Read(r, binary.LittleEndian, &programCount); err != nil {
		return nil, err
	}
	states := make(map[solana.PublicKey]token.LedgerState, programCount)
	for i := uint32(0); i < programCount; i++ {
		program, err := readPubkey(r)
		if err != nil {
			return nil, err
		}

		var mintCount uint32
		if err := binary.Read(r, binary.LittleEndian, &mintCount); err != nil {
			return nil, err
		}
		state := token.LedgerState{Mints: make([]token.MintState, 0, mintCount)}
		for j := uint32(0); j < mintCount; j++ {
			mint := token.MintState{}
			if mint.Address, err = readPubkey(r); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &mint.Decimals); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &mint.Supply); err != nil {
				return nil, err
			}
			state.Mints = append(state.Mints, mint)
		}

		var accountCount uint32
		if err := binary.Read(r, binary.LittleEndian, &accountCount); err != nil {
			return nil, err
		}
		state.Accounts = make([]token.AccountState, 0, accountCount)
		for j := uint32(0); j < accountCount; j++ {
			account := token.AccountState{}
			if account.Address, err = readPubkey(r); err != nil {
				return nil, err
			}
			if account.Mint, err = readPubkey(r); err != nil {
				return nil, err
			}
			if account.Authority, err = readPubkey(r); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &account.Amount); err != nil {
				return nil, err
			}
			state.Accounts = append(state.Accounts, account)
		}
		states[program] = state
	}
	return states, nil
}

func readPubkey(r io.Reader) (solana.PublicKey, error) {
	var raw [32]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw[:]), nil
}

func writeSection(w io.Writer, records map[solana.PublicKey][]byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(records))); err != nil {
		return err
	}
	for key, data := range records {
		if _, err := w.Write(key.Bytes()); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func readSection(r io.Reader) (map[solana.PublicKey][]byte, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	records := make(map[solana.PublicKey][]byte, count)
	for i := uint32(0); i < count; i++ {
		var keyBytes [32]byte
		if _, err := io.ReadFull(r, keyBytes[:]); err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		records[solana.PublicKeyFromBytes(keyBytes[:])] = bytes.Clone(data)
	}
	return records, nil
}
