package qpack

import "errors"

var (
	errTruncated       = errors.New("qpack: truncated field line")
	errBadIndex        = errors.New("qpack: index out of range")
	errUnknownLineType = errors.New("qpack: unrecognized field line type")
)
