package cdpcontrol

import (
	"slices"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// registry owns what CDP does not report: tab strip order, pinned state,
// the active tab of each window and the focused window. Entries are keyed
// by target ID.
type registry struct {
	mu      sync.RWMutex
	windows map[tabs.WindowID][]*tabs.Tab
	order   []tabs.WindowID
	focused tabs.WindowID
	pinned  *tabs.Matcher
	// explicitly pinned at creation, independent of the URL patterns
	sticky map[tabs.ID]bool
}

func newRegistry(pinned *tabs.Matcher) *registry {
	if pinned == nil {
		pinned = &tabs.Matcher{}
	}
	return &registry{
		windows: make(map[tabs.WindowID][]*tabs.Tab),
		pinned:  pinned,
		sticky:  make(map[tabs.ID]bool),
	}
}

// place inserts t into its window at index (index < 0 appends). When the tab
// is already known it is repositioned instead and created is false.
func (r *registry) place(t tabs.Tab, index int, pin, activate bool) (out tabs.Tab, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.placeLocked(t, index, pin, activate)
}

// insert appends a discovered tab unless it is already known.
func (r *registry) insert(t tabs.Tab) (tabs.Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, _, ok := r.lookupLocked(t.ID); ok {
		return *existing, false
	}
	return r.placeLocked(t, -1, false, false)
}

func (r *registry) placeLocked(t tabs.Tab, index int, pin, activate bool) (tabs.Tab, bool) {
	if _, ok := r.windows[t.WindowID]; !ok {
		r.windows[t.WindowID] = nil
		r.order = append(r.order, t.WindowID)
	}
	if r.focused == 0 {
		r.focused = t.WindowID
	}
	if pin {
		r.sticky[t.ID] = true
	}

	existing, i, known := r.lookupLocked(t.ID)
	if known {
		list := slices.Delete(r.windows[existing.WindowID], i, i+1)
		r.windows[existing.WindowID] = list
		r.reindexLocked(existing.WindowID)
		existing.WindowID = t.WindowID
		existing.URL = t.URL
		existing.Title = t.Title
		t = *existing
	}

	entry := &t
	entry.Pinned = r.sticky[t.ID] || r.pinned.Match(t.URL)
	if entry.Status == "" {
		entry.Status = tabs.StatusComplete
	}
	list := r.windows[t.WindowID]
	if index < 0 || index > len(list) {
		index = len(list)
	}
	r.windows[t.WindowID] = slices.Insert(list, index, entry)
	r.reindexLocked(t.WindowID)
	if activate || !r.hasActiveLocked(t.WindowID) {
		r.activateLocked(entry)
	}
	return *entry, !known
}

// update refreshes URL and title. urlChanged is false for title-only changes.
func (r *registry) update(id tabs.ID, url, title string) (out tabs.Tab, urlChanged, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, _, ok := r.lookupLocked(id)
	if !ok {
		return tabs.Tab{}, false, false
	}
	urlChanged = t.URL != url
	t.URL = url
	t.Title = title
	t.Pinned = r.sticky[id] || r.pinned.Match(url)
	t.Status = tabs.StatusComplete
	return *t, urlChanged, true
}

func (r *registry) remove(id tabs.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, i, ok := r.lookupLocked(id)
	if !ok {
		return false
	}
	w := t.WindowID
	r.windows[w] = slices.Delete(r.windows[w], i, i+1)
	delete(r.sticky, id)
	r.reindexLocked(w)
	if t.Active && len(r.windows[w]) > 0 {
		next := min(i, len(r.windows[w])-1)
		r.activateLocked(r.windows[w][next])
	}
	if len(r.windows[w]) == 0 {
		delete(r.windows, w)
		r.order = slices.DeleteFunc(r.order, func(x tabs.WindowID) bool { return x == w })
		if r.focused == w {
			r.focused = 0
			if len(r.order) > 0 {
				r.focused = r.order[0]
			}
		}
	}
	return true
}

// move repositions a tab within its window.
func (r *registry) move(id tabs.ID, index int) (moved, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, i, ok := r.lookupLocked(id)
	if !ok {
		return false, false
	}
	list := slices.Delete(r.windows[t.WindowID], i, i+1)
	if index < 0 || index > len(list) {
		index = len(list)
	}
	r.windows[t.WindowID] = slices.Insert(list, index, t)
	r.reindexLocked(t.WindowID)
	return i != index, true
}

// activate marks the tab active and focuses its window.
func (r *registry) activate(id tabs.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, _, ok := r.lookupLocked(id)
	if !ok {
		return false
	}
	r.activateLocked(t)
	r.focused = t.WindowID
	return true
}

// focus makes w the current window and returns its active tab.
func (r *registry) focus(w tabs.WindowID) (tabs.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.windows[w]
	if !ok {
		return "", false
	}
	r.focused = w
	for _, t := range list {
		if t.Active {
			return t.ID, true
		}
	}
	return "", true
}

func (r *registry) current() tabs.WindowID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focused
}

func (r *registry) get(id tabs.ID) (tabs.Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, _, ok := r.lookupLocked(id)
	if !ok {
		return tabs.Tab{}, false
	}
	return *t, true
}

func (r *registry) has(id tabs.ID) bool {
	_, ok := r.get(id)
	return ok
}

func (r *registry) query(q tabs.Query) []tabs.Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tabs.Tab
	for _, w := range r.order {
		if q.WindowID != 0 && q.WindowID != w {
			continue
		}
		for _, t := range r.windows[w] {
			if q.URLs.Match(t.URL) {
				out = append(out, *t)
			}
		}
	}
	return out
}

func (r *registry) ids() []tabs.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tabs.ID
	for _, w := range r.order {
		for _, t := range r.windows[w] {
			out = append(out, t.ID)
		}
	}
	return out
}

func (r *registry) count() int {
	return len(r.ids())
}

func (r *registry) lookupLocked(id tabs.ID) (*tabs.Tab, int, bool) {
	for _, list := range r.windows {
		for i, t := range list {
			if t.ID == id {
				return t, i, true
			}
		}
	}
	return nil, 0, false
}

func (r *registry) hasActiveLocked(w tabs.WindowID) bool {
	return slices.ContainsFunc(r.windows[w], func(t *tabs.Tab) bool { return t.Active })
}

func (r *registry) activateLocked(t *tabs.Tab) {
	for _, other := range r.windows[t.WindowID] {
		other.Active = false
	}
	t.Active = true
}

func (r *registry) reindexLocked(w tabs.WindowID) {
	for i, t := range r.windows[w] {
		t.Index = i
	}
}
