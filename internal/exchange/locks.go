package exchange

import (
	"bytes"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// lockTable serializes instructions by the account addresses they touch.
// Instructions with disjoint account sets run concurrently; overlapping
// sets queue on the shared address. Locks are always taken in address
// order, so two instructions can never hold pieces of each other's set.
type lockTable struct {
	mu    sync.Mutex
	locks map[solana.PublicKey]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[solana.PublicKey]*sync.Mutex)}
}

func (t *lockTable) lockFor(address solana.PublicKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[address]
	if !ok {
		lock = new(sync.Mutex)
		t.locks[address] = lock
	}
	return lock
}

// acquire locks every address in the set and returns the release function.
func (t *lockTable) acquire(addresses ...solana.PublicKey) func() {
	unique := make([]solana.PublicKey, 0, len(addresses))
	seen := make(map[solana.PublicKey]struct{}, len(addresses))
	for _, address := range addresses {
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		unique = append(unique, address)
	}
	sort.Slice(unique, func(i, j int) bool {
		return bytes.Compare(unique[i][:], unique[j][:]) < 0
	})

	held := make([]*sync.Mutex, 0, len(unique))
	for _, address := range unique {
		lock := t.lockFor(address)
		lock.Lock()
		held = append(held, lock)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
