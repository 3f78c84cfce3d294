// Package frontier holds the priority-ordered queue of URLs awaiting fetch,
// together with the set of every URL ever admitted. Admission is idempotent
// and bounded; pop returns the highest-priority entry with FIFO tie-breaks.
package frontier

import (
	"container/heap"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Entry is a single URL queued for fetching.
type Entry struct {
	URL       string `json:"url"`
	Depth     int    `json:"depth"`
	SourceURL string `json:"source_url"`
	Type      string `json:"type"`
	Priority  int    `json:"priority"`

	seq uint64 // admission order, breaks priority ties FIFO
}

// entryHeap orders by descending priority, then ascending admission order.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Frontier is safe for concurrent use. All operations complete without
// suspending so workers can call Add and Pop from their hot loops.
type Frontier struct {
	mu         sync.Mutex
	heap       entryHeap
	discovered mapset.Set[string]
	maxPages   int
	nextSeq    uint64
}

// New creates a frontier that refuses admission once maxPages distinct URLs
// have been discovered.
func New(maxPages int) *Frontier {
	return &Frontier{
		heap:       make(entryHeap, 0, 64),
		discovered: mapset.NewThreadUnsafeSet[string](),
		maxPages:   maxPages,
	}
}

// Add admits an entry. Already-discovered URLs and admissions past the
// maxPages bound are silently ignored. Returns whether the entry was queued.
func (f *Frontier) Add(e Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discovered.Cardinality() >= f.maxPages {
		return false
	}
	if !f.discovered.Add(e.URL) {
		return false
	}

	e.seq = f.nextSeq
	f.nextSeq++
	heap.Push(&f.heap, &e)
	return true
}

// Pop removes and returns the highest-priority entry. The second return is
// false when the frontier is empty; callers should wait briefly and re-check
// before treating that as drain.
func (f *Frontier) Pop() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.heap.Len() == 0 {
		return Entry{}, false
	}
	e := heap.Pop(&f.heap).(*Entry)
	return *e, true
}

// Len returns the number of queued (not yet popped) entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// DiscoveredCount returns how many distinct URLs have ever been admitted.
func (f *Frontier) DiscoveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovered.Cardinality()
}

// Seen reports whether a URL has ever been admitted.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovered.Contains(url)
}

// Snapshot returns the discovered set and pending entries for checkpointing.
// Pending entries are returned in pop order so a restored frontier preserves
// priority-stable ordering.
func (f *Frontier) Snapshot() (discovered []string, pending []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	discovered = f.discovered.ToSlice()

	// Drain a copy of the heap to produce pop-ordered entries.
	tmp := make(entryHeap, len(f.heap))
	copy(tmp, f.heap)
	heap.Init(&tmp)
	pending = make([]Entry, 0, len(tmp))
	for tmp.Len() > 0 {
		e := *heap.Pop(&tmp).(*Entry)
		e.seq = 0 // slice order carries the ordering from here on
		pending = append(pending, e)
	}
	return discovered, pending
}

// Restore rebuilds frontier state from a checkpoint. Entries are re-admitted
// in slice order, which preserves FIFO ties from the snapshot.
func (f *Frontier) Restore(discovered []string, pending []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discovered = mapset.NewThreadUnsafeSet[string](discovered...)
	f.heap = make(entryHeap, 0, len(pending))
	f.nextSeq = 0
	for _, e := range pending {
		e.seq = f.nextSeq
		f.nextSeq++
		entry := e
		heap.Push(&f.heap, &entry)
	}
}
