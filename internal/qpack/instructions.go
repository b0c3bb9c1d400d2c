package qpack

// Encoder-stream instructions, RFC 9204 section 4.3. These flow from the
// QPACK encoder to the QPACK decoder (carried on the connection's
// qpack-encoder unidirectional stream — see internal/h3/manager.go) ahead
// of or alongside the header blocks that depend on them.

type instructionKind int

const (
	instrSetCapacity instructionKind = iota
	instrInsertNameRef
	instrInsertLiteralName
	instrDuplicate
)

// insertWithNameRef encodes Insert With Name Reference, section 4.3.1:
// 1 T iiiiii (6-bit prefix) followed by the value as a string literal.
func insertWithNameRef(isStatic bool, index uint64, value string) []byte {
	bits := byte(0x80)
	if isStatic {
		bits |= 0x40
	}
	b := appendPrefixedInt(nil, bits, 6, index)
	return appendString(b, 0x80, 7, value)
}

// insertWithLiteralName encodes Insert With Literal Name, section 4.3.2:
// 01 H nnnnn (5-bit prefix) followed by the name, then the value, both as
// string literals.
func insertWithLiteralName(name, value string) []byte {
	b := appendString2(nil, 0x40, 0x20, 5, name)
	return appendString(b, 0x80, 7, value)
}

// setDynamicTableCapacity encodes Set Dynamic Table Capacity, section
// 4.3.3: 001 ccccc (5-bit prefix).
func setDynamicTableCapacity(capacity uint64) []byte {
	return appendPrefixedInt(nil, 0x20, 5, capacity)
}

// duplicateEntry encodes Duplicate, section 4.3.4: 000 iiiii (5-bit
// prefix), referencing an existing dynamic entry by its current relative
// index so that it becomes the newest entry again (refreshing eviction
// order without resending name+value).
func duplicateEntry(index uint64) []byte {
	return appendPrefixedInt(nil, 0, 5, index)
}

func classifyInstruction(first byte) instructionKind {
	switch {
	case first&0x80 != 0:
		return instrInsertNameRef
	case first&0x40 != 0:
		return instrInsertLiteralName
	case first&0x20 != 0:
		return instrSetCapacity
	default:
		return instrDuplicate
	}
}
