// Package warcrecord frames and parses single WARC/1.0 records: headers,
// a blank line, payload, a trailing blank line. It covers exactly the two
// record types this repository emits — "response" (one captured HTTP
// response) and "warcinfo" (the journal's field-block payload) — not the
// full WARC format.
package warcrecord

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the WARC-Type header value.
type Type string

const (
	TypeResponse Type = "response"
	TypeWarcinfo Type = "warcinfo"
)

// Mandatory and custom header names, reproduced bit-exact from the external
// interface contract.
const (
	HeaderRecordID    = "WARC-Record-ID"
	HeaderType        = "WARC-Type"
	HeaderDate        = "WARC-Date"
	HeaderContentType = "Content-Type"
	HeaderContentLen  = "Content-Length"

	HeaderArtifactID = "X-Lockss-Artifact-Id"
	HeaderCollection = "X-Lockss-Collection"
	HeaderAuid       = "X-Lockss-Auid"
	HeaderUri        = "X-Lockss-Uri"
	HeaderVersion    = "X-Lockss-Version"
	HeaderLength     = "X-Lockss-Length"
)

const (
	contentTypeResponse = "application/http; msgtype=response"
	contentTypeWarcinfo = "application/warc-fields"

	warcVersionLine = "WARC/1.0\r\n"
)

// ResponseHeader carries the identifying fields a response record's custom
// headers encode.
type ResponseHeader struct {
	ArtifactID string
	Collection string
	Auid       string
	Uri        string
	Version    int
	// Length is the logical payload length (X-Lockss-Length), which may
	// differ from Content-Length once gzip framing is involved.
	Length int64
}

// WriteResponse frames one response record into w: the WARC headers, then
// payload verbatim as the HTTP status line, headers, and body the caller
// already formatted. It returns the total number of bytes written so the
// caller can track the record's footprint in its temp or active WARC.
func WriteResponse(w io.Writer, rh ResponseHeader, payload io.Reader, payloadLen int64) (int64, error) {
	var sb strings.Builder
	sb.WriteString(warcVersionLine)
	writeHeader(&sb, HeaderRecordID, recordID())
	writeHeader(&sb, HeaderType, string(TypeResponse))
	writeHeader(&sb, HeaderDate, warcDate(time.Now().UTC()))
	writeHeader(&sb, HeaderContentType, contentTypeResponse)
	writeHeader(&sb, HeaderContentLen, strconv.FormatInt(payloadLen, 10))
	writeHeader(&sb, HeaderArtifactID, rh.ArtifactID)
	writeHeader(&sb, HeaderCollection, rh.Collection)
	writeHeader(&sb, HeaderAuid, rh.Auid)
	writeHeader(&sb, HeaderUri, rh.Uri)
	writeHeader(&sb, HeaderVersion, strconv.Itoa(rh.Version))
	writeHeader(&sb, HeaderLength, strconv.FormatInt(rh.Length, 10))
	sb.WriteString("\r\n")

	var total int64
	n, err := io.WriteString(w, sb.String())
	total += int64(n)
	if err != nil {
		return total, err
	}

	n2, err := io.CopyN(w, payload, payloadLen)
	total += n2
	if err != nil {
		return total, err
	}
	if n2 != payloadLen {
		return total, fmt.Errorf("warcrecord: short write, wrote %d of %d declared payload bytes", n2, payloadLen)
	}

	n3, err := io.WriteString(w, "\r\n\r\n")
	total += int64(n3)
	return total, err
}

// WriteWarcinfo frames a warcinfo record whose payload is the given
// already-encoded application/warc-fields byte block.
func WriteWarcinfo(w io.Writer, payload []byte) (int64, error) {
	var sb strings.Builder
	sb.WriteString(warcVersionLine)
	writeHeader(&sb, HeaderRecordID, recordID())
	writeHeader(&sb, HeaderType, string(TypeWarcinfo))
	writeHeader(&sb, HeaderDate, warcDate(time.Now().UTC()))
	writeHeader(&sb, HeaderContentType, contentTypeWarcinfo)
	writeHeader(&sb, HeaderContentLen, strconv.Itoa(len(payload)))
	sb.WriteString("\r\n")

	var total int64
	n, err := io.WriteString(w, sb.String())
	total += int64(n)
	if err != nil {
		return total, err
	}
	n2, err := w.Write(payload)
	total += int64(n2)
	if err != nil {
		return total, err
	}
	n3, err := io.WriteString(w, "\r\n\r\n")
	total += int64(n3)
	return total, err
}

func writeHeader(sb *strings.Builder, name, value string) {
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\r\n")
}

func recordID() string {
	return "<urn:uuid:" + uuid.New().String() + ">"
}

func warcDate(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000Z")
}

// Parsed is one record's parsed headers plus an unread payload section.
type Parsed struct {
	Type          Type
	RecordID      string
	Date          time.Time
	ContentType   string
	ContentLength int64
	Response      ResponseHeader

	// PayloadOffset is the byte offset of the start of the payload,
	// relative to the reader ParseAt was called against.
	PayloadOffset int64
}

// ParseAt parses one record's headers starting at offset in r, validating
// that Content-Length accounts for exactly the payload bytes present before
// the closing blank line, and returns the parsed header plus the offset at
// which the payload begins. It does not read the payload itself; callers
// use io.NewSectionReader(r, parsed.PayloadOffset, parsed.ContentLength) to
// stream it, so a caller that only wants headers never pays for the body.
func ParseAt(r io.ReaderAt, offset int64) (*Parsed, error) {
	sr := io.NewSectionReader(r, offset, 1<<20)
	br := bufio.NewReader(sr)

	line, err := br.ReadString('\n')
	if err != nil {
		return nil, newMalformed("warcrecord: reading version line", err)
	}
	if strings.TrimRight(line, "\r\n") != "WARC/1.0" {
		return nil, newMalformed("warcrecord: missing WARC/1.0 version line", nil)
	}

	headers := map[string]string{}
	consumed := int64(len(line))
	for {
		line, err = br.ReadString('\n')
		if err != nil {
			return nil, newMalformed("warcrecord: reading headers", err)
		}
		consumed += int64(len(line))
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		name, value, ok := splitHeader(trimmed)
		if !ok {
			return nil, newMalformed(fmt.Sprintf("warcrecord: malformed header line %q", trimmed), nil)
		}
		headers[name] = value
	}

	p := &Parsed{PayloadOffset: offset + consumed}
	p.Type = Type(headers[HeaderType])
	p.RecordID = headers[HeaderRecordID]
	p.ContentType = headers[HeaderContentType]
	if p.Type == "" || p.RecordID == "" {
		return nil, newMalformed("warcrecord: missing mandatory header", nil)
	}
	clen, err := strconv.ParseInt(headers[HeaderContentLen], 10, 64)
	if err != nil {
		return nil, newMalformed("warcrecord: missing or malformed Content-Length", err)
	}
	p.ContentLength = clen
	trailer := make([]byte, 4)
	if n, err := r.ReadAt(trailer, p.PayloadOffset+clen); n < len(trailer) || string(trailer) != "\r\n\r\n" {
		return nil, newMalformed("warcrecord: Content-Length does not match the payload before the closing blank line", err)
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", headers[HeaderDate]); err == nil {
		p.Date = t
	}

	if p.Type == TypeResponse {
		version, _ := strconv.Atoi(headers[HeaderVersion])
		length, _ := strconv.ParseInt(headers[HeaderLength], 10, 64)
		p.Response = ResponseHeader{
			ArtifactID: headers[HeaderArtifactID],
			Collection: headers[HeaderCollection],
			Auid:       headers[HeaderAuid],
			Uri:        headers[HeaderUri],
			Version:    version,
			Length:     length,
		}
	}
	return p, nil
}

func splitHeader(line string) (name, value string, ok bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

type malformedError struct {
	msg   string
	cause error
}

func (e *malformedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *malformedError) Unwrap() error { return e.cause }

func newMalformed(msg string, cause error) error {
	return &malformedError{msg: msg, cause: cause}
}

// IsMalformed reports whether err originated from this package's framing
// checks, for callers that want to distinguish it from generic I/O errors.
func IsMalformed(err error) bool {
	_, ok := err.(*malformedError)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if _, ok := err.(*malformedError); ok {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
