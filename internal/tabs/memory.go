package tabs

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// MemoryDirectory is an in-process Directory with the same ordering and
// event semantics as the CDP-backed one. The binary uses it for dry runs.
type MemoryDirectory struct {
	mu       sync.Mutex
	windows  map[WindowID][]*Tab
	order    []WindowID
	focused  WindowID
	nextTab  int
	nextWin  WindowID
	subs     map[int]func(Event)
	nextSub  int
	failures map[string]error
}

// NewMemoryDirectory returns a directory with one empty, focused window.
func NewMemoryDirectory() *MemoryDirectory {
	d := &MemoryDirectory{
		windows:  make(map[WindowID][]*Tab),
		subs:     make(map[int]func(Event)),
		failures: make(map[string]error),
	}
	d.focused = d.NewWindow()
	return d
}

// NewWindow opens an empty window without focusing it.
func (d *MemoryDirectory) NewWindow() WindowID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextWin++
	id := d.nextWin
	d.windows[id] = nil
	d.order = append(d.order, id)
	return id
}

// FailNext makes the next call of the named operation ("Remove", "Move",
// ...) return err.
func (d *MemoryDirectory) FailNext(op string, err error) {
	d.mu.Lock()
	d.failures[op] = err
	d.mu.Unlock()
}

func (d *MemoryDirectory) failure(op string) error {
	err, ok := d.failures[op]
	if ok {
		delete(d.failures, op)
	}
	return err
}

func (d *MemoryDirectory) CurrentWindow(ctx context.Context) (WindowID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure("CurrentWindow"); err != nil {
		return 0, err
	}
	return d.focused, nil
}

func (d *MemoryDirectory) Query(ctx context.Context, q Query) ([]Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure("Query"); err != nil {
		return nil, err
	}
	var out []Tab
	for _, w := range d.order {
		if q.WindowID != 0 && q.WindowID != w {
			continue
		}
		for _, t := range d.windows[w] {
			if !q.URLs.Match(t.URL) {
				continue
			}
			out = append(out, *t)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, id ID) (Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure("Get"); err != nil {
		return Tab{}, err
	}
	t, _, ok := d.lookupLocked(id)
	if !ok {
		return Tab{}, &NotFoundError{ID: id}
	}
	return *t, nil
}

// CreateIn opens a tab in a specific window.
func (d *MemoryDirectory) CreateIn(ctx context.Context, w WindowID, opts CreateOptions) (Tab, error) {
	d.mu.Lock()
	if err := d.failure("Create"); err != nil {
		d.mu.Unlock()
		return Tab{}, err
	}
	list, ok := d.windows[w]
	if !ok {
		d.mu.Unlock()
		return Tab{}, fmt.Errorf("No window with id: %d.", w)
	}
	d.nextTab++
	t := &Tab{
		ID:       ID(strconv.Itoa(d.nextTab)),
		WindowID: w,
		URL:      opts.URL,
		Title:    opts.URL,
		Pinned:   opts.Pinned,
		Status:   StatusComplete,
	}
	idx := opts.Index
	if idx < 0 || idx > len(list) {
		idx = len(list)
	}
	d.windows[w] = slices.Insert(list, idx, t)
	if opts.Active {
		d.activateLocked(t)
	}
	d.reindexLocked(w)
	created := *t
	d.mu.Unlock()

	d.emit(Event{Kind: EventCreated, TabID: created.ID, Tab: created, Status: created.Status})
	return created, nil
}

func (d *MemoryDirectory) Create(ctx context.Context, opts CreateOptions) (Tab, error) {
	d.mu.Lock()
	w := d.focused
	d.mu.Unlock()
	return d.CreateIn(ctx, w, opts)
}

func (d *MemoryDirectory) Remove(ctx context.Context, ids ...ID) error {
	ids = UniqueIDs(ids)
	d.mu.Lock()
	if err := d.failure("Remove"); err != nil {
		d.mu.Unlock()
		return err
	}
	for _, id := range ids {
		if _, _, ok := d.lookupLocked(id); !ok {
			d.mu.Unlock()
			return &NotFoundError{ID: id}
		}
	}
	for _, id := range ids {
		t, i, _ := d.lookupLocked(id)
		d.windows[t.WindowID] = slices.Delete(d.windows[t.WindowID], i, i+1)
		d.reindexLocked(t.WindowID)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.emit(Event{Kind: EventRemoved, TabID: id})
	}
	return nil
}

func (d *MemoryDirectory) Move(ctx context.Context, id ID, index int) error {
	d.mu.Lock()
	if err := d.failure("Move"); err != nil {
		d.mu.Unlock()
		return err
	}
	t, i, ok := d.lookupLocked(id)
	if !ok {
		d.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	list := slices.Delete(d.windows[t.WindowID], i, i+1)
	if index < 0 || index > len(list) {
		index = len(list)
	}
	d.windows[t.WindowID] = slices.Insert(list, index, t)
	d.reindexLocked(t.WindowID)
	moved := i != index
	d.mu.Unlock()

	if moved {
		d.emit(Event{Kind: EventMoved, TabID: id})
	}
	return nil
}

func (d *MemoryDirectory) Activate(ctx context.Context, id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure("Activate"); err != nil {
		return err
	}
	t, _, ok := d.lookupLocked(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	d.activateLocked(t)
	return nil
}

func (d *MemoryDirectory) FocusWindow(ctx context.Context, id WindowID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failure("FocusWindow"); err != nil {
		return err
	}
	if _, ok := d.windows[id]; !ok {
		return fmt.Errorf("No window with id: %d.", id)
	}
	d.focused = id
	return nil
}

// Navigate changes a tab's URL and reports it as finished loading.
func (d *MemoryDirectory) Navigate(ctx context.Context, id ID, url string) error {
	d.mu.Lock()
	t, _, ok := d.lookupLocked(id)
	if !ok {
		d.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	t.URL = url
	t.Title = url
	t.Status = StatusComplete
	updated := *t
	d.mu.Unlock()

	d.emit(Event{Kind: EventUpdated, TabID: id, Tab: updated, Status: StatusComplete})
	return nil
}

func (d *MemoryDirectory) Subscribe(fn func(Event)) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *MemoryDirectory) emit(ev Event) {
	d.mu.Lock()
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (d *MemoryDirectory) lookupLocked(id ID) (*Tab, int, bool) {
	for _, list := range d.windows {
		for i, t := range list {
			if t.ID == id {
				return t, i, true
			}
		}
	}
	return nil, 0, false
}

func (d *MemoryDirectory) activateLocked(t *Tab) {
	for _, other := range d.windows[t.WindowID] {
		other.Active = false
	}
	t.Active = true
}

func (d *MemoryDirectory) reindexLocked(w WindowID) {
	for i, t := range d.windows[w] {
		t.Index = i
	}
}

// UniqueIDs drops repeated ids, keeping first occurrences in order.
func UniqueIDs(ids []ID) []ID {
	seen := make(map[ID]bool, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
