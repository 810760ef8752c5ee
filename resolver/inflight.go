package resolver

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
)

// InFlight deduplicates concurrent upstream resolutions for the same DID. The
// first caller becomes the leader and performs the fetch; later callers wait
// for the leader to finish and then read the cache.
type InFlight struct {
	dids    *hashset.Set
	waiters map[string]chan struct{}
	lock    sync.Mutex
}

func NewInFlight() *InFlight {
	return &InFlight{
		dids:    hashset.New(),
		waiters: make(map[string]chan struct{}),
	}
}

// Begin registers interest in a DID. Returns (true, nil) if the caller is the
// leader for this DID; otherwise (false, ch) where ch closes when the leader
// calls Finish.
func (infl *InFlight) Begin(did string) (bool, <-chan struct{}) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if infl.dids.Contains(did) {
		return false, infl.waiters[did]
	}
	infl.dids.Add(did)
	infl.waiters[did] = make(chan struct{})
	return true, nil
}

// Finish releases the DID and wakes all waiters. Only the leader may call it.
func (infl *InFlight) Finish(did string) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if !infl.dids.Contains(did) {
		// if you reached here you're using the API wrong
		return
	}
	infl.dids.Remove(did)
	close(infl.waiters[did])
	delete(infl.waiters, did)
}

// Len reports how many DIDs are currently being resolved.
func (infl *InFlight) Len() int {
	infl.lock.Lock()
	defer infl.lock.Unlock()
	return infl.dids.Size()
}
