package qpack

// Field line encodings, RFC 9204 section 4.5. Only the pre-base forms are
// produced by Encoder (it pins the block's Base to the insert count at the
// start of the section and never references entries inserted during it —
// see the comment on EncodeFieldSection in encoder.go) — Post-Base
// Indexed/Literal forms are accepted nowhere in this package.

// appendIndexedFieldLine appends an Indexed Field Line, section 4.5.2:
// 1 T iiiiii (6-bit prefix).
func appendIndexedFieldLine(b []byte, isStatic bool, index uint64) []byte {
	bits := byte(0x80)
	if isStatic {
		bits |= 0x40
	}
	return appendPrefixedInt(b, bits, 6, index)
}

// appendLiteralWithNameRef appends a Literal Field Line With Name
// Reference, section 4.5.4: 01 N T iiii (4-bit prefix) followed by the
// value as a string literal.
func appendLiteralWithNameRef(b []byte, isStatic bool, index uint64, value string) []byte {
	bits := byte(0x40)
	if isStatic {
		bits |= 0x10
	}
	b = appendPrefixedInt(b, bits, 4, index)
	return appendString(b, 0x80, 7, value)
}

// appendLiteralWithLiteralName appends a Literal Field Line With Literal
// Name, section 4.5.6: 001 N H nnn (3-bit prefix for the name length)
// followed by the name, then the value, both as string literals.
func appendLiteralWithLiteralName(b []byte, neverIndexed bool, name, value string) []byte {
	bits := byte(0x20)
	if neverIndexed {
		bits |= 0x10
	}
	b = appendString2(b, bits, 0x08, 3, name)
	return appendString(b, 0x80, 7, value)
}

// fieldLineKind identifies the shape of the next field line from its
// leading byte, per the bit patterns in section 4.5.
type fieldLineKind int

const (
	lineIndexed fieldLineKind = iota
	lineIndexedPostBase
	lineNameRef
	lineNameRefPostBase
	lineLiteralName
)

func classifyFieldLine(first byte) fieldLineKind {
	switch {
	case first&0x80 != 0:
		return lineIndexed
	case first&0x40 != 0:
		return lineNameRef
	case first&0x20 != 0:
		return lineLiteralName
	case first&0x10 != 0:
		return lineIndexedPostBase
	default:
		return lineNameRefPostBase
	}
}

// readIndexedFieldLine decodes the remainder of an Indexed Field Line
// after its first byte.
func readIndexedFieldLine(first byte, rest []byte) (isStatic bool, index uint64, consumed int, err error) {
	isStatic = first&0x40 != 0
	index, used, ok := readPrefixedInt(first, 6, rest)
	if !ok {
		return false, 0, 0, errTruncated
	}
	return isStatic, index, used, nil
}

// readLiteralWithNameRef decodes the remainder of a Literal Field Line
// With Name Reference after its first byte.
func readLiteralWithNameRef(first byte, rest []byte) (isStatic bool, index uint64, value string, consumed int, err error) {
	isStatic = first&0x10 != 0
	index, used, ok := readPrefixedInt(first, 4, rest)
	if !ok {
		return false, 0, "", 0, errTruncated
	}
	if used >= len(rest) {
		return false, 0, "", 0, errTruncated
	}
	vFirst := rest[used]
	value, vUsed, verr := readString(vFirst, 0x80, 7, rest[used+1:])
	if verr != nil {
		return false, 0, "", 0, verr
	}
	return isStatic, index, value, used + 1 + vUsed, nil
}

// readLiteralWithLiteralName decodes the remainder of a Literal Field Line
// With Literal Name after its first byte.
func readLiteralWithLiteralName(first byte, rest []byte) (name, value string, consumed int, err error) {
	n, nUsed, nerr := readString(first, 0x08, 3, rest)
	if nerr != nil {
		return "", "", 0, nerr
	}
	if nUsed >= len(rest) {
		return "", "", 0, errTruncated
	}
	vFirst := rest[nUsed]
	v, vUsed, verr := readString(vFirst, 0x80, 7, rest[nUsed+1:])
	if verr != nil {
		return "", "", 0, verr
	}
	return n, v, nUsed + 1 + vUsed, nil
}
