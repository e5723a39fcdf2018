package exchange

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/omni-points/voucher-exchange/internal/vex"
)

type EventKind string

const (
	EventExchange EventKind = "exchange"
	EventListing  EventKind = "listing"
	EventBid      EventKind = "bid"
	EventVoucher  EventKind = "voucher_state"
)

// Event is emitted once per mutated account after an instruction commits.
// Exactly one of the record pointers is set, matching Kind.
type Event struct {
	ID     string           `json:"id"`
	Seq    uint64           `json:"seq"`
	Kind   EventKind        `json:"kind"`
	Pubkey solana.PublicKey `json:"pubkey"`
	At     time.Time        `json:"at"`

	Exchange *vex.VoucherExchange `json:"exchange,omitempty"`
	Listing  *vex.VoucherListing  `json:"listing,omitempty"`
	Bid      *vex.VoucherBid      `json:"bid,omitempty"`
	State    *vex.VoucherState    `json:"voucher_state,omitempty"`
}

const subscriberBuffer = 256

type eventHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	seq  uint64
	subs map[uint64]chan Event
	next uint64
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{logger: logger, subs: make(map[uint64]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *eventHub) currentSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

func (h *eventHub) publish(events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range events {
		h.seq++
		events[i].Seq = h.seq
		events[i].ID = uuid.NewString()
		for _, sub := range h.subs {
			select {
			case sub <- events[i]:
			default:
				// A stalled subscriber must not stall instruction commit.
				h.logger.Warn("event subscriber lagging, dropping event",
					"kind", events[i].Kind, "pubkey", events[i].Pubkey)
			}
		}
	}
}
