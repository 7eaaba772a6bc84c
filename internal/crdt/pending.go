package crdt

import (
	"sort"

	"github.com/example/shared-note/internal/types"
)

// PendingCount returns the number of items waiting for causal dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, queue := range d.pending {
		total += len(queue)
	}
	return total
}

// Missing returns, per client, the smallest clock blocking the pending
// buffer. It is empty when nothing is buffered.
func (d *Doc) Missing() types.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	missing := make(types.StateVector)
	for client, queue := range d.pending {
		if len(queue) > 0 {
			missing[client] = uint64(len(d.store[client])) + 1
		}
	}
	return missing
}

func (d *Doc) pendingItem(id types.ID) *item {
	return d.pending[id.Client][id.Clock]
}

// pendingItems returns the buffered items of client in clock order.
func (d *Doc) pendingItems(client types.ClientID) []*item {
	queue := d.pending[client]
	if len(queue) == 0 {
		return nil
	}
	items := make([]*item, 0, len(queue))
	for _, it := range queue {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].id.Clock < items[j].id.Clock })
	return items
}

func (d *Doc) buffer(it *item) {
	queue, ok := d.pending[it.id.Client]
	if !ok {
		queue = make(map[uint64]*item)
		d.pending[it.id.Client] = queue
	}
	queue[it.id.Clock] = it
	pendingItems.Inc()
}

// ready reports whether every dependency of it is integrated: the previous
// clock of its client and both origins.
func (d *Doc) ready(it *item) bool {
	if it.id.Clock != uint64(len(d.store[it.id.Client]))+1 {
		return false
	}
	if it.origin != nil && d.find(*it.origin) == nil {
		return false
	}
	if it.rightOrigin != nil && d.find(*it.rightOrigin) == nil {
		return false
	}
	return true
}

// integratePending drains the buffer until no further item can integrate.
// Clients are visited in ascending order so every replica integrates the same
// buffered set in the same order.
func (d *Doc) integratePending(evt *Event) {
	integrated := 0
	for progress := true; progress; {
		progress = false

		clients := make([]types.ClientID, 0, len(d.pending))
		for client := range d.pending {
			clients = append(clients, client)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

		for _, client := range clients {
			queue := d.pending[client]
			for {
				next, ok := queue[uint64(len(d.store[client]))+1]
				if !ok || !d.ready(next) {
					break
				}
				delete(queue, next.id.Clock)
				if !next.deleted && d.pendingDeletes.Contains(next.id) {
					next.deleted = true
				}
				d.integrate(next)
				integrated++
				if !next.deleted {
					evt.Inserted = append(evt.Inserted, next.id)
				}
				progress = true
			}
			d.pendingDeletes.trimBelow(client, uint64(len(d.store[client]))+1)
			if len(queue) == 0 {
				delete(d.pending, client)
			}
		}
	}
	if integrated > 0 {
		pendingItems.Sub(float64(integrated))
		itemsIntegrated.WithLabelValues("remote").Add(float64(integrated))
	}
}
