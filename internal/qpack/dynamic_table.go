package qpack

// entryOverhead is the per-entry size overhead added to name.len+value.len,
// RFC 9204 section 3.2.1.
const entryOverhead = 32

func entrySize(e Entry) uint64 {
	return uint64(len(e.Name)+len(e.Value)) + entryOverhead
}

// dynamicTable is the RFC 9204 FIFO dynamic table. Inserts prepend
// logically (the newest entry gets the highest absolute index);
// eviction pops from the tail (oldest, lowest absolute index) until
// current size fits max capacity.
//
// entries is stored oldest-first so that entries[0] is always the next
// candidate for eviction and the absolute index of entries[i] is
// firstIndex+i.
type dynamicTable struct {
	entries     []Entry
	firstIndex  uint64 // absolute index of entries[0]
	insertCount uint64 // total inserts ever made (monotonic)
	currentSize uint64
	maxCapacity uint64

	byNameValue map[Entry]uint64 // -> absolute index of most recent match
	byName      map[string]uint64
}

func newDynamicTable(maxCapacity uint64) *dynamicTable {
	return &dynamicTable{
		maxCapacity: maxCapacity,
		byNameValue: make(map[Entry]uint64),
		byName:      make(map[string]uint64),
	}
}

// SetMaxCapacity updates the capacity bound, evicting immediately if the
// new bound is smaller than the current size.
func (t *dynamicTable) SetMaxCapacity(capacity uint64) {
	t.maxCapacity = capacity
	t.evictToFit(0)
}

// InsertCount returns the total number of entries ever inserted.
func (t *dynamicTable) InsertCount() uint64 { return t.insertCount }

// CurrentSize returns Σ (name.len + value.len + 32) over live entries.
func (t *dynamicTable) CurrentSize() uint64 { return t.currentSize }

// evictToFit evicts from the tail (oldest) until current size plus the
// pending additional size fits within max capacity.
func (t *dynamicTable) evictToFit(additional uint64) {
	for t.currentSize+additional > t.maxCapacity && len(t.entries) > 0 {
		oldest := t.entries[0]
		sz := entrySize(oldest)
		t.entries = t.entries[1:]
		t.firstIndex++
		t.currentSize -= sz
		if t.byNameValue[oldest] == t.firstIndex-1 {
			delete(t.byNameValue, oldest)
		}
		if t.byName[oldest.Name] == t.firstIndex-1 {
			delete(t.byName, oldest.Name)
		}
	}
}

// Insert adds a new entry, evicting from the tail as needed. It
// reports false without mutating the table if the entry alone would
// exceed max capacity; the caller keeps the field as a plain literal in
// that case.
func (t *dynamicTable) Insert(e Entry) bool {
	sz := entrySize(e)
	if sz > t.maxCapacity {
		return false
	}
	t.evictToFit(sz)
	t.entries = append(t.entries, e)
	t.currentSize += sz
	idx := t.firstIndex + uint64(len(t.entries)) - 1
	t.insertCount++
	t.byNameValue[e] = idx
	t.byName[e.Name] = idx
	return true
}

// lookup finds the most-recently-inserted dynamic entry matching (name,
// value) exactly, or failing that by name only.
func (t *dynamicTable) lookup(name, value string) (index uint64, exact bool, ok bool) {
	if i, found := t.byNameValue[Entry{name, value}]; found {
		return i, true, true
	}
	if i, found := t.byName[name]; found {
		return i, false, true
	}
	return 0, false, false
}

// lookupName finds the most-recently-inserted dynamic entry with the given
// name, ignoring value.
func (t *dynamicTable) lookupName(name string) (index uint64, ok bool) {
	i, found := t.byName[name]
	return i, found
}

// entryAt returns the live entry at absolute index idx, if still present.
func (t *dynamicTable) entryAt(idx uint64) (Entry, bool) {
	if idx < t.firstIndex {
		return Entry{}, false
	}
	pos := idx - t.firstIndex
	if pos >= uint64(len(t.entries)) {
		return Entry{}, false
	}
	return t.entries[pos], true
}
