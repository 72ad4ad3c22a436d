package warcrecord

import (
	"encoding/json"

	"github.com/antonholmquist/jason"
)

// JournalFields is the structured mapping the repository metadata journal
// (SPEC_FULL.md §4.5) stores as the payload of each warcinfo record:
// artifact-id, committed, deleted, and an optional storage-url-override.
type JournalFields struct {
	ArtifactID         string
	Committed          bool
	Deleted            bool
	StorageUrlOverride string
}

// EncodeJournalFields renders f as the application/warc-fields payload
// bytes. The wire encoding is JSON, chosen so a loose decoder (below) can
// tolerate fields added by a newer writer without failing.
func EncodeJournalFields(f JournalFields) ([]byte, error) {
	return json.Marshal(struct {
		ArtifactID         string `json:"artifact-id"`
		Committed          bool   `json:"committed"`
		Deleted            bool   `json:"deleted"`
		StorageUrlOverride string `json:"storage-url-override,omitempty"`
	}{f.ArtifactID, f.Committed, f.Deleted, f.StorageUrlOverride})
}

// DecodeJournalFields parses a warcinfo payload produced by
// EncodeJournalFields, using jason's dynamic accessors so unknown
// additional keys (from a newer writer) are ignored rather than rejected,
// and a missing optional key simply yields the zero value.
func DecodeJournalFields(payload []byte) (JournalFields, error) {
	obj, err := jason.NewObjectFromBytes(payload)
	if err != nil {
		return JournalFields{}, newMalformed("warcrecord: journal fields payload is not valid JSON", err)
	}
	id, err := obj.GetString("artifact-id")
	if err != nil {
		return JournalFields{}, newMalformed("warcrecord: journal fields missing artifact-id", err)
	}
	committed, _ := obj.GetBoolean("committed")
	deleted, _ := obj.GetBoolean("deleted")
	override, _ := obj.GetString("storage-url-override")
	return JournalFields{
		ArtifactID:         id,
		Committed:          committed,
		Deleted:            deleted,
		StorageUrlOverride: override,
	}, nil
}
