package qpack

// Decoder-stream instructions, RFC 9204 section 4.4: sent the opposite
// direction of instructions.go, from a QPACK decoder back to its peer's
// encoder. Connection (internal/h3/connection.go) builds these from its
// local Decoder and feeds received ones into the matching Encoder's
// OnHeaderAck/OnStreamCancellation/OnInsertCountIncrement.

// DecoderInstructionKind identifies which of the three decoder
// instructions a decoded byte sequence is.
type DecoderInstructionKind int

const (
	DecoderInsertCountIncrement DecoderInstructionKind = iota
	DecoderHeaderAck
	DecoderStreamCancellation
)

// EncodeHeaderAck builds a Header Acknowledgement instruction, section
// 4.4.1: 1 iiiiiii (7-bit prefix stream ID).
func EncodeHeaderAck(streamID uint64) []byte {
	return appendPrefixedInt(nil, 0x80, 7, streamID)
}

// EncodeStreamCancellation builds a Stream Cancellation instruction,
// section 4.4.2: 01 iiiiii (6-bit prefix stream ID).
func EncodeStreamCancellation(streamID uint64) []byte {
	return appendPrefixedInt(nil, 0x40, 6, streamID)
}

// EncodeInsertCountIncrement builds an Insert Count Increment
// instruction, section 4.4.3: 00 iiiiii (6-bit prefix increment).
func EncodeInsertCountIncrement(increment uint64) []byte {
	return appendPrefixedInt(nil, 0x00, 6, increment)
}

// DecodeDecoderInstruction decodes one decoder-stream instruction from
// the front of b, returning its kind, its single integer argument
// (stream ID or increment, depending on kind), and the number of bytes
// consumed.
func DecodeDecoderInstruction(b []byte) (kind DecoderInstructionKind, value uint64, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, 0, errTruncated
	}
	first := b[0]
	rest := b[1:]
	switch {
	case first&0x80 != 0:
		v, used, ok := readPrefixedInt(first, 7, rest)
		if !ok {
			return 0, 0, 0, errTruncated
		}
		return DecoderHeaderAck, v, 1 + used, nil
	case first&0x40 != 0:
		v, used, ok := readPrefixedInt(first, 6, rest)
		if !ok {
			return 0, 0, 0, errTruncated
		}
		return DecoderStreamCancellation, v, 1 + used, nil
	default:
		v, used, ok := readPrefixedInt(first, 6, rest)
		if !ok {
			return 0, 0, 0, errTruncated
		}
		return DecoderInsertCountIncrement, v, 1 + used, nil
	}
}
