package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/omni-points/voucher-exchange/internal/config"
	"github.com/omni-points/voucher-exchange/internal/exchange"
)

// Service mirrors committed engine events into Postgres so reads and
// filtered listings never touch the instruction path.
type Service struct {
	cfg    config.IndexerConfig
	engine *exchange.Engine
	store  *Store
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, engine *exchange.Engine, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Service{
		cfg:    cfg,
		engine: engine,
		store:  store,
		logger: logger,
	}, nil
}

// Store exposes the read model to the API server.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	events, cancel := s.engine.Subscribe()
	defer cancel()

	s.logger.Info("indexer started", "db_driver", "postgres")

	// The engine may hold restored state the read model has never seen.
	lastSeq, err := s.resync(ctx)
	if err != nil {
		s.logger.Error("initial read model sync failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Seq > lastSeq+1 {
				// The hub dropped events while this subscriber lagged; the
				// gap in seq is the only trace, so rebuild from the engine.
				s.logger.Warn("event sequence gap, resyncing read model",
					"have", lastSeq, "got", event.Seq)
				if syncedSeq, syncErr := s.resync(ctx); syncErr != nil {
					s.logger.Error("read model resync failed", "err", syncErr)
				} else if syncedSeq > event.Seq {
					lastSeq = syncedSeq
					continue
				}
			}
			if event.Seq > lastSeq {
				lastSeq = event.Seq
			}
			if err := s.apply(ctx, event); err != nil {
				s.logger.Error("failed to index event",
					"kind", event.Kind, "pubkey", event.Pubkey, "seq", event.Seq, "err", err)
			}
		}
	}
}

// resync re-upserts every engine record, returning the event sequence the
// record set was current at.
func (s *Service) resync(ctx context.Context) (uint64, error) {
	records := s.engine.Records()

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout())
	defer cancel()

	err := s.store.WithTx(writeCtx, func(tx *Tx) error {
		if records.Exchange != nil {
			if err := s.store.UpsertExchangeTx(writeCtx, tx, records.ExchangeKey, records.Seq, records.Exchange); err != nil {
				return err
			}
		}
		for key, listing := range records.Listings {
			if err := s.store.UpsertListingTx(writeCtx, tx, key, records.Seq, &listing); err != nil {
				return err
			}
		}
		for key, bid := range records.Bids {
			if err := s.store.UpsertBidTx(writeCtx, tx, key, records.Seq, &bid); err != nil {
				return err
			}
		}
		for key, state := range records.States {
			if err := s.store.UpsertVoucherStateTx(writeCtx, tx, key, records.Seq, &state); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return records.Seq, nil
}

func (s *Service) apply(ctx context.Context, event exchange.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout())
	defer cancel()

	return s.store.WithTx(writeCtx, func(tx *Tx) error {
		switch event.Kind {
		case exchange.EventExchange:
			if event.Exchange == nil {
				return fmt.Errorf("exchange event %s has no record", event.ID)
			}
			return s.store.UpsertExchangeTx(writeCtx, tx, event.Pubkey, event.Seq, event.Exchange)
		case exchange.EventListing:
			if event.Listing == nil {
				return fmt.Errorf("listing event %s has no record", event.ID)
			}
			return s.store.UpsertListingTx(writeCtx, tx, event.Pubkey, event.Seq, event.Listing)
		case exchange.EventBid:
			if event.Bid == nil {
				return fmt.Errorf("bid event %s has no record", event.ID)
			}
			return s.store.UpsertBidTx(writeCtx, tx, event.Pubkey, event.Seq, event.Bid)
		case exchange.EventVoucher:
			if event.State == nil {
				return fmt.Errorf("voucher state event %s has no record", event.ID)
			}
			return s.store.UpsertVoucherStateTx(writeCtx, tx, event.Pubkey, event.Seq, event.State)
		default:
			return fmt.Errorf("unknown event kind %q", event.Kind)
		}
	})
}

func (s *Service) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}
