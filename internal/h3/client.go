package h3

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/velabrowser/h3net/internal/qpack"
	"github.com/velabrowser/h3net/internal/transport"
)

// maxDataFrameChunk bounds how much body data goes into a single DATA
// frame; large bodies are split across several frames rather than one
// giant one, so a request can be cancelled mid-body without having
// buffered the whole thing first.
const maxDataFrameChunk = 16 * 1024

// Request is the data Http3Client.Do needs to synthesize
// pseudo-headers and send a request.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   []Header
	Body      []byte
	Trailers  []Header
}

// Response is what Http3Client.Do resolves its request future with.
type Response struct {
	Status   int
	Headers  []Header
	Body     io.ReadCloser
	Trailers []Header
}

// Http3Client drives requests over one Connection: pseudo-header
// synthesis, QPACK encoding via the connection's shared encoder, DATA
// frame chunking, and response parsing.
type Http3Client struct {
	conn *Connection
}

// NewHttp3Client wraps an already-Connect()ed Connection.
func NewHttp3Client(conn *Connection) *Http3Client {
	return &Http3Client{conn: conn}
}

// Do sends req and blocks for the response headers (the body is streamed
// lazily through Response.Body).
func (c *Http3Client) Do(ctx context.Context, req *Request) (*Response, error) {
	rs, err := c.conn.OpenRequestStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := rs.Open(); err != nil {
		return nil, err
	}

	// Deadline expiry or caller cancellation resets the stream; the
	// watcher exits as soon as the stream completes on its own.
	go func() {
		select {
		case <-ctx.Done():
			rs.CancelWrite(transport.StreamErrorCode(ErrCodeRequestCancelled))
			rs.CancelRead(transport.StreamErrorCode(ErrCodeRequestCancelled))
		case <-rs.Completed():
		}
	}()

	fields := synthesizeHeaders(req)
	rs.SetRequestHeaders(fieldsToHeaders(fields))

	block, err := c.conn.EncodeHeaders(rs.ID(), fields)
	if err != nil {
		rs.Fail()
		return nil, err
	}
	headersFrame := &Frame{Type: FrameTypeHeaders, HeaderBlock: block}
	if err := writeFrame(rs, headersFrame); err != nil {
		rs.Fail()
		return nil, ApplicationError("write HEADERS frame", err)
	}

	if len(req.Body) > 0 {
		for off := 0; off < len(req.Body); off += maxDataFrameChunk {
			end := off + maxDataFrameChunk
			if end > len(req.Body) {
				end = len(req.Body)
			}
			if err := writeFrame(rs, &Frame{Type: FrameTypeData, Data: req.Body[off:end]}); err != nil {
				rs.Fail()
				return nil, ApplicationError("write DATA frame", err)
			}
		}
	}

	if len(req.Trailers) > 0 {
		trailerFields := headersToFields(req.Trailers)
		tBlock, err := c.conn.EncodeHeaders(rs.ID(), trailerFields)
		if err != nil {
			rs.Fail()
			return nil, err
		}
		if err := writeFrame(rs, &Frame{Type: FrameTypeHeaders, HeaderBlock: tBlock}); err != nil {
			rs.Fail()
			return nil, ApplicationError("write trailers", err)
		}
	}

	if err := rs.CloseSend(); err != nil {
		rs.Fail()
		return nil, ApplicationError("half-close request stream", err)
	}

	return c.readResponse(rs)
}

func (c *Http3Client) readResponse(rs *RequestStream) (*Response, error) {
	br := bufio.NewReader(rs)
	f, err := ReadFrame(br)
	if err != nil {
		rs.Fail()
		return nil, ApplicationError("read response HEADERS frame", err)
	}
	if f.Type != FrameTypeHeaders {
		rs.Fail()
		return nil, ProtocolError(ErrCodeFrameUnexpected, "response did not begin with HEADERS", nil)
	}
	respFields, err := c.conn.DecodeHeaders(rs.ID(), f.HeaderBlock)
	if err != nil {
		rs.Fail()
		return nil, err
	}
	status, headers, err := splitStatusPseudoHeader(respFields)
	if err != nil {
		rs.Fail()
		return nil, err
	}
	rs.SetResponseHeaders(headers)

	return &Response{
		Status:  status,
		Headers: headers,
		Body:    &responseBody{rs: rs, br: br, conn: c.conn},
	}, nil
}

// responseBody streams DATA frame payloads off the request stream and
// captures trailers (if a HEADERS frame follows) on EOF.
type responseBody struct {
	rs       *RequestStream
	br       *bufio.Reader
	conn     *Connection
	current  []byte
	trailers []Header
	done     bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	for len(b.current) == 0 {
		if b.done {
			return 0, io.EOF
		}
		f, err := ReadFrame(b.br)
		if err != nil {
			b.done = true
			if err == io.EOF || err == ErrShortRead {
				b.finish()
				return 0, io.EOF
			}
			b.rs.Fail()
			b.finish()
			return 0, err
		}
		switch f.Type {
		case FrameTypeData:
			b.current = f.Data
		case FrameTypeHeaders:
			fields, derr := b.conn.DecodeHeaders(b.rs.ID(), f.HeaderBlock)
			if derr == nil {
				b.trailers = fieldsToHeaders(fields)
				b.rs.SetTrailers(b.trailers)
			}
			b.done = true
			b.finish()
			return 0, io.EOF
		default:
			// DATAGRAM and unknown frames on a response stream are
			// ignored here; datagrams are handled out of band (see
			// datagram.go).
		}
	}
	n := copy(p, b.current)
	b.current = b.current[n:]
	return n, nil
}

// finish records the peer's FIN and releases the stream's slot in the
// manager, waking anyone blocked on RequestStream.Completed.
func (b *responseBody) finish() {
	b.conn.Streams().CloseStream(b.rs.ID())
}

func (b *responseBody) Close() error {
	if !b.done {
		b.rs.CancelRead(transport.StreamErrorCode(ErrCodeRequestCancelled))
		b.conn.Streams().ResetStream(b.rs.ID(), transport.StreamErrorCode(ErrCodeRequestCancelled), false)
	}
	return nil
}

func writeFrame(rs *RequestStream, f *Frame) error {
	var buf []byte
	buf, err := f.Encode(buf)
	if err != nil {
		return err
	}
	_, err = rs.Write(buf)
	return err
}

// synthesizeHeaders builds the QPACK field list for a request: the four
// pseudo-headers in their canonical order, followed by the caller's
// headers case-folded to lowercase (RFC 9114 section 4.2: field names
// MUST be lowercase). Caller headers merge by case-insensitive name,
// the later value overwriting the earlier. A Host header supplies
// :authority in preference to the URL host and is not emitted as a
// regular field; a content-length is added if the body's length is
// known and the caller didn't already supply one.
func synthesizeHeaders(req *Request) []qpack.Entry {
	authority := req.Authority
	merged := make([]qpack.Entry, 0, len(req.Headers))
	index := make(map[string]int, len(req.Headers))
	for _, h := range req.Headers {
		name := lowerHeader(h.Name)
		if name == "host" {
			if h.Value != "" {
				authority = h.Value
			}
			continue
		}
		if i, ok := index[name]; ok {
			merged[i].Value = h.Value
			continue
		}
		index[name] = len(merged)
		merged = append(merged, qpack.Entry{Name: name, Value: h.Value})
	}

	fields := []qpack.Entry{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: req.Scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: req.Path},
	}
	fields = append(fields, merged...)

	if _, ok := index["content-length"]; !ok && len(req.Body) > 0 {
		fields = append(fields, qpack.Entry{Name: "content-length", Value: strconv.Itoa(len(req.Body))})
	}
	return fields
}

// splitStatusPseudoHeader extracts the mandatory leading :status
// pseudo-header from a decoded response field section and returns the
// remaining fields as ordinary headers.
func splitStatusPseudoHeader(fields []qpack.Entry) (int, []Header, error) {
	if len(fields) == 0 || fields[0].Name != ":status" {
		return 0, nil, ProtocolError(ErrCodeMessageError, "response missing :status pseudo-header", nil)
	}
	status, err := strconv.Atoi(fields[0].Value)
	if err != nil {
		return 0, nil, ProtocolError(ErrCodeMessageError, "malformed :status value", err)
	}
	headers := make([]Header, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if strings.HasPrefix(f.Name, ":") {
			return 0, nil, ProtocolError(ErrCodeMessageError, "pseudo-header after regular header", nil)
		}
		headers = append(headers, Header{Name: f.Name, Value: f.Value})
	}
	return status, headers, nil
}

func fieldsToHeaders(fields []qpack.Entry) []Header {
	out := make([]Header, len(fields))
	for i, f := range fields {
		out[i] = Header{Name: f.Name, Value: f.Value}
	}
	return out
}

func headersToFields(headers []Header) []qpack.Entry {
	out := make([]qpack.Entry, len(headers))
	for i, h := range headers {
		out[i] = qpack.Entry{Name: lowerHeader(h.Name), Value: h.Value}
	}
	return out
}

// lowerHeader folds a header field name to lowercase before QPACK
// encoding; HTTP/3 field names are lowercase on the wire (RFC 9114
// section 4.2). A fresh caser per call keeps this safe from concurrent
// request goroutines.
func lowerHeader(name string) string {
	return cases.Lower(language.Und).String(name)
}
