package qpack

import "sync"

// Decoder mirrors the dynamic table state an Encoder's peer would
// build up by applying the instructions carried on the qpack-encoder
// stream, and can then decode field sections encoded against that
// state. Decoding a field section must reproduce exactly the fields it
// was encoded from, in order and case; that property is what makes the
// encoder's output independently verifiable in tests.
type Decoder struct {
	mu  sync.Mutex
	dyn *dynamicTable
}

// NewDecoder constructs a Decoder with the given dynamic table capacity
// bound, matching the value the local SETTINGS advertised.
func NewDecoder(maxTableCapacity uint64) *Decoder {
	return &Decoder{dyn: newDynamicTable(maxTableCapacity)}
}

// InsertCount reports how many entries this decoder has applied.
func (d *Decoder) InsertCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dyn.InsertCount()
}

// ApplyInstructions processes a run of encoder-stream instructions
// (as produced alongside Encoder.EncodeFieldSection), applying each to
// the mirrored dynamic table in order.
func (d *Decoder) ApplyInstructions(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(b) > 0 {
		n, err := d.applyOne(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (d *Decoder) applyOne(b []byte) (consumed int, err error) {
	first := b[0]
	rest := b[1:]
	switch classifyInstruction(first) {
	case instrInsertNameRef:
		isStatic := first&0x40 != 0
		idx, used, ok := readPrefixedInt(first, 6, rest)
		if !ok {
			return 0, errTruncated
		}
		if used >= len(rest) {
			return 0, errTruncated
		}
		value, vUsed, verr := readString(rest[used], 0x80, 7, rest[used+1:])
		if verr != nil {
			return 0, verr
		}
		var name string
		if isStatic {
			e, ok := StaticEntry(int(idx))
			if !ok {
				return 0, errBadIndex
			}
			name = e.Name
		} else {
			abs := d.dyn.insertCount - 1 - idx
			e, ok := d.dyn.entryAt(abs)
			if !ok {
				return 0, errBadIndex
			}
			name = e.Name
		}
		d.dyn.Insert(Entry{Name: name, Value: value})
		return 1 + used + 1 + vUsed, nil

	case instrInsertLiteralName:
		name, nUsed, nerr := readString(first, 0x20, 5, rest)
		if nerr != nil {
			return 0, nerr
		}
		if nUsed >= len(rest) {
			return 0, errTruncated
		}
		value, vUsed, verr := readString(rest[nUsed], 0x80, 7, rest[nUsed+1:])
		if verr != nil {
			return 0, verr
		}
		d.dyn.Insert(Entry{Name: name, Value: value})
		return 1 + nUsed + 1 + vUsed, nil

	case instrSetCapacity:
		cap, used, ok := readPrefixedInt(first, 5, rest)
		if !ok {
			return 0, errTruncated
		}
		d.dyn.SetMaxCapacity(cap)
		return 1 + used, nil

	case instrDuplicate:
		idx, used, ok := readPrefixedInt(first, 5, rest)
		if !ok {
			return 0, errTruncated
		}
		abs := d.dyn.insertCount - 1 - idx
		e, ok := d.dyn.entryAt(abs)
		if !ok {
			return 0, errBadIndex
		}
		d.dyn.Insert(e)
		return 1 + used, nil
	}
	return 0, errUnknownLineType
}

// DecodeFieldSectionForStream decodes a field section received on the
// given request stream and, if it referenced the dynamic table at all,
// also returns the Header Acknowledgement instruction the caller must
// send back on the local qpack-decoder stream (RFC 9204 section 4.4.1).
func (d *Decoder) DecodeFieldSectionForStream(streamID uint64, block []byte) (fields []Entry, ack []byte, err error) {
	fields, err = d.DecodeFieldSection(block)
	if err != nil {
		return nil, nil, err
	}
	if requiredInsertCountOf(block) > 0 {
		ack = EncodeHeaderAck(streamID)
	}
	return fields, ack, nil
}

// requiredInsertCountOf peeks at a field section's first byte; a block
// with Required Insert Count 0 never depended on the dynamic table and
// needs no acknowledgement.
func requiredInsertCountOf(block []byte) uint64 {
	if len(block) == 0 {
		return 0
	}
	return uint64(block[0])
}

// DecodeFieldSection decodes one field section encoded by
// Encoder.EncodeFieldSection. The caller must have already applied
// every encoder-stream instruction the block depends on via
// ApplyInstructions, or this returns an error rather than block
// waiting; the blocking wait itself is a connection-layer concern,
// handled by internal/h3, not by this package.
func (d *Decoder) DecodeFieldSection(block []byte) ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(block) < 1 {
		return nil, errTruncated
	}
	encRIC, used1, ok := readPrefixedInt(block[0], 8, block[1:])
	if !ok {
		return nil, errTruncated
	}
	pos := 1 + used1
	if pos >= len(block) {
		return nil, errTruncated
	}
	sBit := block[pos]&0x80 != 0
	deltaBase, used2, ok := readPrefixedInt(block[pos], 7, block[pos+1:])
	if !ok {
		return nil, errTruncated
	}
	pos += 1 + used2

	maxEntries := maxEntriesForCapacity(d.dyn.maxCapacity)
	requiredInsertCount, err := decodeRequiredInsertCount(encRIC, maxEntries, d.dyn.insertCount)
	if err != nil {
		return nil, err
	}
	if requiredInsertCount > d.dyn.insertCount {
		return nil, errBadIndex
	}

	var base uint64
	if sBit {
		if deltaBase+1 > requiredInsertCount {
			return nil, errBadIndex
		}
		base = requiredInsertCount - deltaBase - 1
	} else {
		base = requiredInsertCount + deltaBase
	}

	var out []Entry
	rest := block[pos:]
	for len(rest) > 0 {
		first := rest[0]
		tail := rest[1:]
		switch classifyFieldLine(first) {
		case lineIndexed:
			isStatic, idx, used, lerr := readIndexedFieldLine(first, tail)
			if lerr != nil {
				return nil, lerr
			}
			if isStatic {
				e, ok := StaticEntry(int(idx))
				if !ok {
					return nil, errBadIndex
				}
				out = append(out, e)
			} else {
				abs := base - 1 - idx
				e, ok := d.dyn.entryAt(abs)
				if !ok {
					return nil, errBadIndex
				}
				out = append(out, e)
			}
			rest = tail[used:]

		case lineNameRef:
			isStatic, idx, value, used, lerr := readLiteralWithNameRef(first, tail)
			if lerr != nil {
				return nil, lerr
			}
			var name string
			if isStatic {
				e, ok := StaticEntry(int(idx))
				if !ok {
					return nil, errBadIndex
				}
				name = e.Name
			} else {
				abs := base - 1 - idx
				e, ok := d.dyn.entryAt(abs)
				if !ok {
					return nil, errBadIndex
				}
				name = e.Name
			}
			out = append(out, Entry{Name: name, Value: value})
			rest = tail[used:]

		case lineLiteralName:
			name, value, used, lerr := readLiteralWithLiteralName(first, tail)
			if lerr != nil {
				return nil, lerr
			}
			out = append(out, Entry{Name: name, Value: value})
			rest = tail[used:]

		default:
			return nil, errUnknownLineType
		}
	}
	return out, nil
}
