package orchestrator

import (
	"sync"

	"upibridge/internal/model"
)

// watch is one in-flight deposit request. The matched channel has capacity 1
// and is signalled at most once, after the watch has left the set.
type watch struct {
	order   model.PaymentOrder
	request model.DepositRequest
	matched chan model.MatchedDeposit
}

// watchSet holds the active deposit requests. Insertions come from Accept,
// removals from match or timeout; registration order is preserved so a
// transfer that could satisfy two identical requests goes to the older one.
type watchSet struct {
	mu      sync.Mutex
	watches []*watch
}

func newWatchSet() *watchSet {
	return &watchSet{}
}

func (ws *watchSet) add(w *watch) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.watches = append(ws.watches, w)
}

// remove takes w out of the set, reporting whether it was still present.
// A false return means a scan pass already matched it.
func (ws *watchSet) remove(w *watch) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, candidate := range ws.watches {
		if candidate == w {
			ws.watches = append(ws.watches[:i], ws.watches[i+1:]...)
			return true
		}
	}
	return false
}

// takeMatch finds the first watch satisfied by event and removes it in the
// same critical section, making double-matching structurally impossible.
func (ws *watchSet) takeMatch(event model.TransferEvent, matches func(model.TransferEvent, model.DepositRequest) bool) *watch {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, w := range ws.watches {
		if matches(event, w.request) {
			ws.watches = append(ws.watches[:i], ws.watches[i+1:]...)
			return w
		}
	}
	return nil
}

func (ws *watchSet) size() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.watches)
}
