package model

import (
	"fmt"
	"net/url"
	"strconv"
)

// StorageUrl is the parsed form of the opaque pointer descriptors carry:
// scheme://opaque-path[?offset=<u64>&length=<u64>]. Missing offset/length
// means "whole file", used for warcinfo records.
type StorageUrl struct {
	Scheme string
	Path   string
	Offset int64
	Length int64
	// HasRange is false when offset/length were absent from the URL.
	HasRange bool
}

// String renders the StorageUrl back into its canonical wire form.
func (s StorageUrl) String() string {
	u := url.URL{Scheme: s.Scheme, Path: s.Path}
	if s.HasRange {
		q := url.Values{}
		q.Set("offset", strconv.FormatInt(s.Offset, 10))
		q.Set("length", strconv.FormatInt(s.Length, 10))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ParseStorageUrl parses the grammar described above. It returns
// InvalidArgument-flavored errors (via IsInvalidArgument) on malformed
// input so callers can map them per SPEC_FULL.md §7.
func ParseStorageUrl(raw string) (StorageUrl, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q: %v", raw, err))
	}
	if u.Scheme == "" {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q missing scheme", raw))
	}
	// A path without a leading slash ("b0/rest") is parsed back with its
	// first segment as the URL host, so the host is folded back in here.
	path := u.Opaque
	if path == "" {
		path = u.Host + u.Path
	}
	if path == "" {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q missing path", raw))
	}
	result := StorageUrl{Scheme: u.Scheme, Path: path}
	q := u.Query()
	offsetStr, hasOffset := q["offset"]
	lengthStr, hasLength := q["length"]
	if !hasOffset && !hasLength {
		return result, nil
	}
	if !hasOffset || !hasLength {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q has only one of offset/length", raw))
	}
	offset, err := strconv.ParseInt(offsetStr[0], 10, 64)
	if err != nil || offset < 0 {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q has bad offset", raw))
	}
	length, err := strconv.ParseInt(lengthStr[0], 10, 64)
	if err != nil || length < 0 {
		return StorageUrl{}, newInvalidArgument(fmt.Sprintf("storage url %q has bad length", raw))
	}
	result.Offset = offset
	result.Length = length
	result.HasRange = true
	return result, nil
}

// NewStorageUrl builds a range-addressed storage URL for a record at offset
// within the file at path under scheme.
func NewStorageUrl(scheme, path string, offset, length int64) StorageUrl {
	return StorageUrl{Scheme: scheme, Path: path, Offset: offset, Length: length, HasRange: true}
}
