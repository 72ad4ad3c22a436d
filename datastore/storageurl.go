package datastore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ndlib/lockssrepo/model"
)

// storageURL is the data store's own view of a descriptor's storage URL: a
// base-path index plus the path/offset/length triple SPEC_FULL.md §6
// describes. It is encoded and parsed through model.StorageUrl, the one
// codec for the scheme://opaque-path[?offset=O&length=L] grammar, rather
// than maintaining a second copy of that parsing logic here; the base index
// rides along as the first path segment of the opaque path ("b<N>/rest").
type storageURL struct {
	baseIndex int
	path      string
	offset    int64
	length    int64
}

const storageURLScheme = "lockss"

func encodeStorageURL(baseIndex int, path string, offset, length int64) string {
	opaque := fmt.Sprintf("b%d/%s", baseIndex, path)
	return model.NewStorageUrl(storageURLScheme, opaque, offset, length).String()
}

func parseStorageURL(raw string) (storageURL, error) {
	su, err := model.ParseStorageUrl(raw)
	if err != nil {
		return storageURL{}, err
	}
	if su.Scheme != storageURLScheme {
		return storageURL{}, model.NewInvalidArgument("datastore: unrecognized storage url scheme " + raw)
	}
	parts := strings.SplitN(su.Path, "/", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "b") {
		return storageURL{}, model.NewInvalidArgument("datastore: malformed storage url path " + raw)
	}
	head, rest := parts[0], parts[1]
	idx, err := strconv.Atoi(strings.TrimPrefix(head, "b"))
	if err != nil {
		return storageURL{}, model.NewInvalidArgument("datastore: malformed storage url base index " + raw)
	}
	if !su.HasRange {
		return storageURL{}, model.NewInvalidArgument("datastore: storage url missing offset/length " + raw)
	}
	return storageURL{
		baseIndex: idx,
		path:      rest,
		offset:    su.Offset,
		length:    su.Length,
	}, nil
}
