package qpack

import "sync"

// Encoder implements the RFC 9204 field-line selection order: for each
// header field, prefer a static exact hit, then a dynamic exact hit,
// then a name-only hit (static preferred over dynamic to avoid the
// blocking question entirely), and only then fall back to a fully
// literal field line. When it falls back to a literal form the encoder
// opportunistically inserts the field into the dynamic table so a
// repeat of the same header compresses to an indexed reference next
// time, subject to the capacity and blocking budgets.
//
// One Encoder instance is shared by every request stream on a
// connection (there is exactly one dynamic table per connection, RFC
// 9204 section 3.2), so all mutating operations are taken under mu.
type Encoder struct {
	mu sync.Mutex

	dyn               *dynamicTable
	maxBlockedStreams uint64
	// blockedStreams maps a stream ID to the Required Insert Count of the
	// most recent header block encoded for it that referenced an
	// unacknowledged dynamic entry. A Header Acknowledgement for that
	// stream tells the encoder the decoder has now processed at least
	// that many inserts, even though the instruction itself carries no
	// count (RFC 9204 section 4.4.1).
	blockedStreams     map[uint64]uint64
	knownReceivedCount uint64

	// insertionEnabled lets tests and SetMaxBlockedStreams(0) callers pin
	// the encoder to static-table-and-literal-only behavior.
	insertionEnabled bool
}

// NewEncoder constructs an Encoder with the given dynamic table capacity
// bound (SETTINGS_QPACK_MAX_TABLE_CAPACITY, as seen by the peer) and
// blocked-stream budget (SETTINGS_QPACK_BLOCKED_STREAMS).
func NewEncoder(maxTableCapacity, maxBlockedStreams uint64) *Encoder {
	return &Encoder{
		dyn:               newDynamicTable(maxTableCapacity),
		maxBlockedStreams: maxBlockedStreams,
		blockedStreams:    make(map[uint64]uint64),
		insertionEnabled:  true,
	}
}

// SetMaxBlockedStreams updates the blocked-stream budget, e.g. after
// renegotiating SETTINGS.
func (e *Encoder) SetMaxBlockedStreams(n uint64) {
	e.mu.Lock()
	e.maxBlockedStreams = n
	e.mu.Unlock()
}

// SetMaxTableCapacity updates the dynamic table's capacity bound and
// queues the matching Set Dynamic Table Capacity encoder-stream
// instruction for the caller to flush.
func (e *Encoder) SetMaxTableCapacity(capacity uint64) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dyn.SetMaxCapacity(capacity)
	return setDynamicTableCapacity(capacity)
}

// DisableDynamicInsertion turns off opportunistic dynamic-table inserts,
// leaving static-table hits and literal field lines as the only encoding
// forms. Used when a peer's SETTINGS_QPACK_MAX_TABLE_CAPACITY is zero or
// when a caller wants strictly non-blocking output regardless of budget.
func (e *Encoder) DisableDynamicInsertion() {
	e.mu.Lock()
	e.insertionEnabled = false
	e.mu.Unlock()
}

// BlockedStreams reports how many streams currently hold header blocks
// the peer decoder has not yet acknowledged.
func (e *Encoder) BlockedStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blockedStreams)
}

// InsertCount reports the number of entries ever inserted into the
// dynamic table.
func (e *Encoder) InsertCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dyn.InsertCount()
}

// OnInsertCountIncrement applies an Insert Count Increment decoder
// instruction (section 4.4.3), advancing the count of inserts the
// decoder has acknowledged processing.
func (e *Encoder) OnInsertCountIncrement(n uint64) {
	e.mu.Lock()
	e.knownReceivedCount += n
	e.mu.Unlock()
}

// OnHeaderAck applies a Header Acknowledgement decoder instruction
// (section 4.4.1): the decoder has now fully processed the most recent
// header block sent on this stream, so the stream no longer counts
// against the blocked-stream budget and the encoder's known-received
// count advances to at least the insert count that block required.
func (e *Encoder) OnHeaderAck(streamID uint64) {
	e.mu.Lock()
	if ric, ok := e.blockedStreams[streamID]; ok && ric > e.knownReceivedCount {
		e.knownReceivedCount = ric
	}
	delete(e.blockedStreams, streamID)
	e.mu.Unlock()
}

// OnStreamCancellation applies a Stream Cancellation decoder instruction
// (section 4.4.2): the stream is gone, so it no longer counts against
// the blocked-stream budget, but (unlike an ack) it provides no
// information about how far the decoder actually got.
func (e *Encoder) OnStreamCancellation(streamID uint64) {
	e.mu.Lock()
	delete(e.blockedStreams, streamID)
	e.mu.Unlock()
}

// EncodeFieldSection encodes one header or trailer section for the given
// request stream, returning the field section (prefix + field lines, to
// be sent as a HEADERS frame payload) and any encoder-stream instructions
// generated as a side effect of opportunistic dynamic-table inserts.
//
// The returned instruction bytes MUST reach the decoder no later than
// the field section itself: a header block referencing insert count K
// must never be finalized for the wire before the encoder has queued
// the instructions that perform the first K inserts.
//
// The block's Base is pinned to the dynamic table's insert count as of
// the start of the section, so every dynamic reference the encoder
// emits is "pre-base" (relative index = Base - 1 - absolute index) and
// the prefix carries Delta Base = Base - Required Insert Count with the
// sign bit unset — see fieldlines.go. Entries inserted while encoding
// this very section are never referenced by it (they become indexable
// from the next section on), which keeps the post-base field-line
// forms out of the output entirely.
func (e *Encoder) EncodeFieldSection(streamID uint64, fields []Entry) (block []byte, instructions []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lines []byte
	var instrs []byte
	var requiredInsertCount uint64
	base := e.dyn.InsertCount()

	budgetAvailable := func() bool {
		if _, already := e.blockedStreams[streamID]; already {
			return true
		}
		return e.maxBlockedStreams > 0 && uint64(len(e.blockedStreams)) < e.maxBlockedStreams
	}
	reference := func(absIdx uint64) {
		if absIdx+1 > requiredInsertCount {
			requiredInsertCount = absIdx + 1
		}
		if absIdx >= e.knownReceivedCount {
			if requiredInsertCount > e.blockedStreams[streamID] {
				e.blockedStreams[streamID] = requiredInsertCount
			}
		}
	}

	for _, f := range fields {
		name, value := f.Name, f.Value

		// Step 1: exact match in the static table never blocks and never
		// needs a dynamic-table round trip, so it always wins outright.
		if idx, exact, ok := staticLookup(name, value); ok && exact {
			lines = appendIndexedFieldLine(lines, true, uint64(idx))
			continue
		}

		// Step 2: exact match in the dynamic table, budget permitting.
		// Entries at or past the base were inserted during this section
		// and are not referenceable from it.
		if idx, exact, ok := e.dyn.lookup(name, value); ok && exact && idx < base {
			if idx < e.knownReceivedCount || budgetAvailable() {
				reference(idx)
				lines = appendIndexedFieldLine(lines, false, base-1-idx)
				continue
			}
		}

		// Step 3: name-only hit. Prefer the static table (zero blocking
		// risk) over the dynamic table.
		if idx, ok := staticByName[name]; ok {
			lines = appendLiteralWithNameRef(lines, true, uint64(idx), value)
			e.tryInsert(name, value, &instrs)
			continue
		}
		if idx, ok := e.dyn.lookupName(name); ok && idx < base && (idx < e.knownReceivedCount || budgetAvailable()) {
			reference(idx)
			lines = appendLiteralWithNameRef(lines, false, base-1-idx, value)
			e.tryInsert(name, value, &instrs)
			continue
		}

		// Step 4 (and the remaining step-2/3 fallback when the blocking
		// budget was exhausted): fully literal field line.
		lines = appendLiteralWithLiteralName(lines, false, name, value)
		e.tryInsert(name, value, &instrs)
	}

	maxEntries := maxEntriesForCapacity(e.dyn.maxCapacity)
	encRIC := encodeRequiredInsertCount(requiredInsertCount, maxEntries)
	prefix := appendPrefixedInt(nil, 0, 8, encRIC)
	// S = 0: Base = Required Insert Count + Delta Base. A block with no
	// dynamic references has no base to convey and uses the canonical
	// zero prefix.
	var deltaBase uint64
	if requiredInsertCount > 0 {
		deltaBase = base - requiredInsertCount
	}
	prefix = appendPrefixedInt(prefix, 0, 7, deltaBase)

	return append(prefix, lines...), instrs, nil
}

// tryInsert is step 5 of the selection algorithm: having already emitted
// a literal field line, opportunistically add the field to the dynamic
// table so a later field section can reference it by index instead. A
// field whose size alone exceeds the table's capacity is left as a
// plain literal.
func (e *Encoder) tryInsert(name, value string, instrs *[]byte) {
	if !e.insertionEnabled {
		return
	}
	entry := Entry{Name: name, Value: value}
	if entrySize(entry) > e.dyn.maxCapacity {
		return
	}

	var instr []byte
	if sIdx, ok := staticByName[name]; ok {
		instr = insertWithNameRef(true, uint64(sIdx), value)
	} else if dIdx, ok := e.dyn.lookupName(name); ok {
		instr = insertWithNameRef(false, e.dyn.insertCount-1-dIdx, value)
	} else {
		instr = insertWithLiteralName(name, value)
	}

	if e.dyn.Insert(entry) {
		*instrs = append(*instrs, instr...)
	}
}
