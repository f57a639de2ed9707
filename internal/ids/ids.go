// Package ids implements the fixed-width printable identifiers used on the
// wire: content-addressed blob ids, email and thread ids, and the opaque
// per-type state tokens minted from modification sequences.
package ids

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Fixed identifier widths, terminator excluded.
const (
	BlobIDLen   = 41 // 'G' + 40 hex digest chars
	EmailIDLen  = 25 // 'M' + 24 hex digest chars
	ThreadIDLen = 17 // 'T' + 16 hex conversation-id chars
)

// GUIDSize is the size of a content digest in bytes.
const GUIDSize = sha1.Size

// GUID is a content digest identifying a blob's bytes.
type GUID [GUIDSize]byte

// MakeGUID digests content into a GUID.
func MakeGUID(content []byte) GUID {
	return sha1.Sum(content)
}

// String returns the 40-char lowercase hex form of the digest.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// BlobID encodes a content digest as a printable blob id: the sentinel 'G'
// followed by the full hex digest.
func BlobID(guid GUID) string {
	return "G" + guid.String()
}

// ParseBlobID decodes a blob id back into its content digest. The id must
// be exactly BlobIDLen chars, carry the 'G' sentinel, and be valid hex.
func ParseBlobID(blobID string) (GUID, error) {
	var guid GUID
	if len(blobID) != BlobIDLen {
		return guid, fmt.Errorf("blob id must be %d chars, got %d", BlobIDLen, len(blobID))
	}
	if blobID[0] != 'G' {
		return guid, fmt.Errorf("blob id must start with 'G'")
	}
	raw, err := hex.DecodeString(blobID[1:])
	if err != nil {
		return guid, fmt.Errorf("blob id is not hex encoded: %w", err)
	}
	copy(guid[:], raw)
	return guid, nil
}

// IsBlobID reports whether s has the shape of a blob id without decoding it.
func IsBlobID(s string) bool {
	_, err := ParseBlobID(s)
	return err == nil
}

// EmailID derives the fixed-width email id from a message's content digest.
func EmailID(guid GUID) string {
	return "M" + guid.String()[:EmailIDLen-1]
}

// ThreadID derives the fixed-width thread id from a conversation id.
func ThreadID(cid uint64) string {
	return fmt.Sprintf("T%016x", cid)
}

// FormatState mints the opaque state token for a modification sequence.
// Tokens are comparable for equality only; callers must not order them
// lexicographically.
func FormatState(modseq uint64) string {
	return strconv.FormatUint(modseq, 10)
}

// ParseState recovers the modification sequence behind a state token.
// Unparseable tokens are reported as such so callers can answer with
// cannotCalculateChanges rather than guess.
func ParseState(token string) (uint64, error) {
	if token == "" {
		return 0, fmt.Errorf("empty state token")
	}
	modseq, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed state token %q", token)
	}
	return modseq, nil
}
