package upload

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"filedock/internal/fsutil"
)

// Fingerprint is the metadata tuple an UploadIdentity is derived from.
type Fingerprint struct {
	Filename     string
	Size         int64
	LastModified int64 // unix milliseconds
	DestDir      string
	RelativePath string
}

const identityPrefix = "fd1-"

// Identity derives the deterministic upload id for f. The same tuple gives the
// same id on any device; the result only contains [a-z0-9-].
func Identity(f Fingerprint) string {
	var buf []byte
	buf = appendField(buf, f.Filename)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Size))
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.LastModified))
	buf = appendField(buf, fsutil.CleanRelPath(f.DestDir))
	buf = appendField(buf, strings.ReplaceAll(f.RelativePath, "\\", "/"))
	sum := blake2b.Sum256(buf)
	return identityPrefix + hex.EncodeToString(sum[:])
}

// appendField length-prefixes s so adjacent fields can not run into each other.
func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
