package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/shared-note/internal/textdiff"
	"github.com/example/shared-note/internal/types"
)

var (
	// ErrUnknownItem is returned when a local insert references an element
	// the replica has not integrated.
	ErrUnknownItem = errors.New("crdt: unknown item")
	// ErrOutOfRange is returned when a visible position exceeds the text.
	ErrOutOfRange = errors.New("crdt: position out of range")
)

// Event describes a change that became visible in the replica.
type Event struct {
	Local    bool
	Inserted []types.ID
	Deleted  []types.ID
}

func (e Event) empty() bool {
	return len(e.Inserted) == 0 && len(e.Deleted) == 0
}

// Listener receives replica events. Listeners run after the replica lock is
// released and must not block.
type Listener func(Event)

// Doc is a replica of the shared text sequence. It integrates local edits and
// remote updates so that replicas holding the same set of items render the
// same text regardless of delivery order.
type Doc struct {
	mu     sync.Mutex
	client types.ClientID

	start  *item
	store  map[types.ClientID][]*item
	length int

	pending        map[types.ClientID]map[uint64]*item
	pendingDeletes DeleteSet

	listeners map[int]Listener
	nextSub   int
}

// NewDoc creates an empty replica. A zero client id is replaced by a random
// one.
func NewDoc(client types.ClientID) *Doc {
	if client == 0 {
		client = types.NewClientID()
	}
	return &Doc{
		client:         client,
		store:          make(map[types.ClientID][]*item),
		pending:        make(map[types.ClientID]map[uint64]*item),
		pendingDeletes: make(DeleteSet),
		listeners:      make(map[int]Listener),
	}
}

// ClientID returns the identifier used for local inserts.
func (d *Doc) ClientID() types.ClientID {
	return d.client
}

// Subscribe registers a listener and returns a function that removes it.
func (d *Doc) Subscribe(listener Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextSub
	d.nextSub++
	d.listeners[id] = listener
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Doc) emit(evt Event) {
	if evt.empty() {
		return
	}
	d.mu.Lock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	for _, listener := range listeners {
		listener(evt)
	}
}

// Text renders the visible characters in sequence order.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text()
}

func (d *Doc) text() string {
	var b strings.Builder
	b.Grow(d.length)
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			b.WriteRune(it.content)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

// StateVector reports the highest contiguous clock integrated per client.
func (d *Doc) StateVector() types.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(types.StateVector, len(d.store))
	for client, items := range d.store {
		if len(items) > 0 {
			sv[client] = uint64(len(items))
		}
	}
	return sv
}

// Has reports whether the element is integrated.
func (d *Doc) Has(id types.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.find(id) != nil
}

// Insert creates characters immediately after the element identified by
// after, or at the beginning when after is nil. It returns the created run
// and the update that announces it to peers.
func (d *Doc) Insert(after *types.ID, text string) (Run, Update, error) {
	if text == "" {
		return Run{}, Update{}, nil
	}

	d.mu.Lock()
	var left *item
	if after != nil {
		left = d.find(*after)
		if left == nil {
			d.mu.Unlock()
			return Run{}, Update{}, fmt.Errorf("%w: %s", ErrUnknownItem, after)
		}
	}
	update, evt := d.insertAfter(left, text)
	d.mu.Unlock()

	d.emit(evt)
	return update.Runs[0], update, nil
}

// InsertAt inserts text before the visible character at pos. A position equal
// to Len appends.
func (d *Doc) InsertAt(pos int, text string) (Update, error) {
	if text == "" {
		return Update{}, nil
	}

	d.mu.Lock()
	if pos < 0 || pos > d.length {
		length := d.length
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, length)
	}
	var left *item
	if pos > 0 {
		left = d.visibleAt(pos - 1)
	}
	update, evt := d.insertAfter(left, text)
	d.mu.Unlock()

	d.emit(evt)
	return update, nil
}

func (d *Doc) insertAfter(left *item, text string) (Update, Event) {
	right := d.start
	if left != nil {
		right = left.right
	}
	var rightOrigin *types.ID
	if right != nil {
		id := right.id
		rightOrigin = &id
	}

	evt := Event{Local: true}
	var b runBuilder
	prev := left
	for _, r := range text {
		it := &item{
			id:          types.ID{Client: d.client, Clock: uint64(len(d.store[d.client])) + 1},
			rightOrigin: cloneID(rightOrigin),
			content:     r,
		}
		if prev != nil {
			id := prev.id
			it.origin = &id
		}
		d.integrate(it)
		b.add(it)
		evt.Inserted = append(evt.Inserted, it.id)
		prev = it
	}
	itemsIntegrated.WithLabelValues("local").Add(float64(len(evt.Inserted)))
	return Update{Runs: b.finish(), Deletes: DeleteSet{}}, evt
}

// Delete tombstones the element identified by id. Deleting an element that
// has not arrived yet is remembered and applied when it integrates. The
// returned update is empty when the element was already deleted.
func (d *Doc) Delete(id types.ID) Update {
	d.mu.Lock()
	evt := Event{Local: true}
	ds := make(DeleteSet)
	if d.deleteRange(id.Client, DeleteRange{Clock: id.Clock, Len: 1}, &evt) {
		ds.Add(id)
	}
	d.mu.Unlock()

	d.emit(evt)
	return Update{Deletes: ds}
}

// DeleteAt tombstones length visible characters starting at pos.
func (d *Doc) DeleteAt(pos, length int) (Update, error) {
	if length == 0 {
		return Update{}, nil
	}

	d.mu.Lock()
	if pos < 0 || length < 0 || pos+length > d.length {
		total := d.length
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, length, pos, total)
	}

	evt := Event{Local: true}
	ds := d.deleteVisible(pos, length, &evt)
	d.mu.Unlock()

	d.emit(evt)
	return Update{Deletes: ds}, nil
}

// Replace computes a splice from the current text and applies its deletion
// and insertion in one step, so no remote update lands between reading the
// text and editing it. The returned update carries both halves.
func (d *Doc) Replace(diff func(current string) textdiff.Change) (Update, error) {
	d.mu.Lock()
	change := diff(d.text())
	if change.Empty() {
		d.mu.Unlock()
		return Update{}, nil
	}
	if change.Pos < 0 || change.Delete < 0 || change.Pos+change.Delete > d.length {
		total := d.length
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: replace %d at %d, length %d", ErrOutOfRange, change.Delete, change.Pos, total)
	}

	evt := Event{Local: true}
	update := Update{Deletes: make(DeleteSet)}
	if change.Delete > 0 {
		update.Deletes = d.deleteVisible(change.Pos, change.Delete, &evt)
	}
	if change.Insert != "" {
		var left *item
		if change.Pos > 0 {
			left = d.visibleAt(change.Pos - 1)
		}
		inserted, insertEvt := d.insertAfter(left, change.Insert)
		update.Runs = inserted.Runs
		evt.Inserted = insertEvt.Inserted
	}
	d.mu.Unlock()

	d.emit(evt)
	return update, nil
}

// deleteVisible tombstones length visible characters from pos. Callers hold
// the lock and validate the range.
func (d *Doc) deleteVisible(pos, length int, evt *Event) DeleteSet {
	ds := make(DeleteSet)
	it := d.visibleAt(pos)
	for removed := 0; removed < length && it != nil; it = it.right {
		if it.deleted {
			continue
		}
		d.markDeleted(it)
		ds.Add(it.id)
		evt.Deleted = append(evt.Deleted, it.id)
		removed++
	}
	ds.Normalize()
	return ds
}

// ApplyUpdate merges a remote update. Items whose dependencies are missing
// are buffered and integrated once the dependencies arrive. It reports
// whether the replica learned anything new, including buffered items.
func (d *Doc) ApplyUpdate(u Update) bool {
	start := time.Now()
	defer func() { applyLatency.Observe(time.Since(start).Seconds()) }()

	d.mu.Lock()
	evt := Event{}
	changed := false

	for _, run := range u.Runs {
		prev := run.Origin
		clock := run.ID.Clock
		for _, r := range run.Content {
			id := types.ID{Client: run.ID.Client, Clock: clock}
			clock++
			origin := cloneID(prev)
			prev = &types.ID{Client: id.Client, Clock: id.Clock}

			if existing := d.find(id); existing != nil {
				if run.Deleted && !existing.deleted {
					d.markDeleted(existing)
					evt.Deleted = append(evt.Deleted, id)
					changed = true
				}
				continue
			}
			if buffered := d.pendingItem(id); buffered != nil {
				if run.Deleted && !buffered.deleted {
					buffered.deleted = true
					changed = true
				}
				continue
			}
			d.buffer(&item{
				id:          id,
				origin:      origin,
				rightOrigin: cloneID(run.RightOrigin),
				content:     r,
				deleted:     run.Deleted,
			})
			changed = true
		}
	}

	for _, client := range u.Deletes.Clients() {
		for _, r := range u.Deletes[client] {
			if d.deleteRange(client, r, &evt) {
				changed = true
			}
		}
	}

	d.integratePending(&evt)
	d.mu.Unlock()

	d.emit(evt)
	return changed
}

// StateAsUpdate encodes everything the replica has that a peer with state
// vector since lacks: items above the peer's clocks, including items still
// buffered for missing dependencies, plus deletions of items the peer already
// holds and deletions waiting for their items. A nil vector yields the full
// state.
func (d *Doc) StateAsUpdate(since types.StateVector) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[types.ClientID]struct{}, len(d.store))
	clients := make([]types.ClientID, 0, len(d.store))
	addClient := func(client types.ClientID) {
		if _, ok := seen[client]; !ok {
			seen[client] = struct{}{}
			clients = append(clients, client)
		}
	}
	for client := range d.store {
		addClient(client)
	}
	for client := range d.pending {
		addClient(client)
	}
	for client := range d.pendingDeletes {
		addClient(client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var b runBuilder
	ds := make(DeleteSet)
	for _, client := range clients {
		known := since.Get(client)
		for _, it := range d.store[client] {
			if it.id.Clock > known {
				b.add(it)
			} else if it.deleted {
				ds.Add(it.id)
			}
		}
		for _, it := range d.pendingItems(client) {
			if it.id.Clock > known {
				b.add(it)
			}
		}
		for _, r := range d.pendingDeletes[client] {
			ds.AddRange(client, r)
		}
	}
	ds.Normalize()
	return Update{Runs: b.finish(), Deletes: ds}
}

func (d *Doc) find(id types.ID) *item {
	items := d.store[id.Client]
	if id.Clock == 0 || id.Clock > uint64(len(items)) {
		return nil
	}
	return items[id.Clock-1]
}

// visibleAt returns the visible item with index pos. Callers validate pos.
func (d *Doc) visibleAt(pos int) *item {
	seen := 0
	for it := d.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if seen == pos {
			return it
		}
		seen++
	}
	return nil
}

func (d *Doc) markDeleted(it *item) {
	it.deleted = true
	d.length--
}

// deleteRange applies a deletion range to integrated, buffered and future
// items. It reports whether anything new was recorded.
func (d *Doc) deleteRange(client types.ClientID, r DeleteRange, evt *Event) bool {
	if r.Len == 0 || r.Clock == 0 {
		return false
	}
	changed := false
	end := r.end()

	items := d.store[client]
	known := uint64(len(items))
	for clock := r.Clock; clock < end && clock <= known; clock++ {
		it := items[clock-1]
		if !it.deleted {
			d.markDeleted(it)
			evt.Deleted = append(evt.Deleted, it.id)
			changed = true
		}
	}

	if known+1 >= end {
		return changed
	}
	future := DeleteRange{Clock: max(r.Clock, known+1)}
	future.Len = end - future.Clock
	for clock, it := range d.pending[client] {
		if clock >= future.Clock && clock < end && !it.deleted {
			it.deleted = true
			changed = true
		}
	}
	if !d.pendingDeletes.Covers(client, future) {
		d.pendingDeletes.AddRange(client, future)
		d.pendingDeletes.Normalize()
		changed = true
	}
	return changed
}

// integrate places it between its origins following the YATA ordering rules
// and links it into the sequence. Its dependencies must be integrated.
func (d *Doc) integrate(it *item) {
	var left, right *item
	if it.origin != nil {
		left = d.find(*it.origin)
	}
	if it.rightOrigin != nil {
		right = d.find(*it.rightOrigin)
	}

	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		o := d.start
		if left != nil {
			o = left.right
		}
		conflicting := make(map[*item]struct{})
		beforeOrigin := make(map[*item]struct{})
		for o != nil && o != right {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if types.SameID(it.origin, o.origin) {
				if o.id.Client < it.id.Client {
					left = o
					clear(conflicting)
				} else if types.SameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else {
				var oo *item
				if o.origin != nil {
					oo = d.find(*o.origin)
				}
				_, before := beforeOrigin[oo]
				_, conflict := conflicting[oo]
				if oo == nil || !before {
					break
				}
				if !conflict {
					left = o
					clear(conflicting)
				}
			}
			o = o.right
		}
	}

	if left != nil {
		right = left.right
		left.right = it
	} else {
		right = d.start
		d.start = it
	}
	it.left = left
	it.right = right
	if right != nil {
		right.left = it
	}

	d.store[it.id.Client] = append(d.store[it.id.Client], it)
	if !it.deleted {
		d.length++
	}
}
