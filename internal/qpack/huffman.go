package qpack

import "golang.org/x/net/http2/hpack"

// Huffman coding for QPACK string literals reuses the RFC 7541
// Appendix B table and bit-packing arithmetic from
// golang.org/x/net/http2/hpack rather than re-deriving the 256-entry
// code table by hand; QPACK shares that table with HPACK unchanged.

// huffmanEncodeLen returns the length in bytes s would occupy if
// Huffman-encoded.
func huffmanEncodeLen(s string) int {
	return int(hpack.HuffmanEncodeLength(s))
}

// appendHuffman appends the Huffman encoding of s to b, MSB-first,
// padding the final byte's unused trailing bits with EOS (all-ones), per
// RFC 7541 section 5.2.
func appendHuffman(b []byte, s string) []byte {
	return hpack.AppendHuffmanString(b, s)
}

// decodeHuffman decodes a Huffman-coded string.
func decodeHuffman(b []byte) (string, error) {
	return hpack.HuffmanDecodeToString(b)
}

// appendString appends a prefix-N string literal: H-flag +
// length-prefixed bytes, choosing whichever of plain/Huffman is
// shorter.
func appendString(b []byte, hBit byte, n uint8, s string) []byte {
	return appendString2(b, 0, hBit, n, s)
}

// appendString2 is appendString generalized for field-line and instruction
// shapes that pack extra flag bits (T, N) into the same leading byte as the
// string's H bit and length prefix (baseBits must not overlap hBit or the
// low n bits).
func appendString2(b []byte, baseBits byte, hBit byte, n uint8, s string) []byte {
	hLen := huffmanEncodeLen(s)
	if hLen < len(s) {
		b = appendPrefixedInt(b, baseBits|hBit, n, uint64(hLen))
		return appendHuffman(b, s)
	}
	b = appendPrefixedInt(b, baseBits, n, uint64(len(s)))
	return append(b, s...)
}

// readString decodes a prefix-N string literal whose first byte
// (containing the H bit and the start of the length) has already been
// read.
func readString(firstByte byte, hBit byte, n uint8, rest []byte) (s string, consumed int, err error) {
	length, used, ok := readPrefixedInt(firstByte, n, rest)
	if !ok {
		return "", 0, errTruncated
	}
	if uint64(len(rest)-used) < length {
		return "", 0, errTruncated
	}
	data := rest[used : used+int(length)]
	total := used + int(length)
	if firstByte&hBit != 0 {
		decoded, derr := decodeHuffman(data)
		if derr != nil {
			return "", 0, errTruncated
		}
		return decoded, total, nil
	}
	return string(data), total, nil
}
