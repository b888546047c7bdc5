package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
)

// TranscriptSeed is the hash every transcript span starts from. It stands
// in for "no prior item" so the first fold has a well-defined input.
var TranscriptSeed = SHA256Hex([]byte("start of transcript"))

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA512Hex returns the lowercase hex SHA-512 digest of data.
func SHA512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// ItemHash hashes a single transcript item.
func ItemHash(item string) string {
	return SHA256Hex([]byte(item))
}

// Fold chains one item onto a running span hash:
// SHA256(prev ++ SHA256(item)), both operands in hex.
func Fold(prev, item string) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(ItemHash(item)))
	return hex.EncodeToString(h.Sum(nil))
}

// SpanHash folds items from the transcript seed. The result is a pure
// function of the item sequence.
func SpanHash(items ...string) string {
	acc := TranscriptSeed
	for _, item := range items {
		acc = Fold(acc, item)
	}
	return acc
}

// ActivityHash chains a crank hash onto the previous activity hash.
func ActivityHash(prev, crank string) string {
	h := sha256.New()
	h.Write([]byte("activityhash\x00"))
	h.Write([]byte(prev))
	h.Write([]byte{0x00})
	h.Write([]byte(crank))
	return hex.EncodeToString(h.Sum(nil))
}

// Writer hashes everything written to it. It is used to hash streams
// (snapshot contents) while they are being copied elsewhere.
type Writer struct {
	h    hash.Hash
	size int64
}

// NewWriter returns a SHA-256 streaming Writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

// Write implements io.Writer. It never fails.
func (w *Writer) Write(p []byte) (int, error) {
	w.size += int64(len(p))
	return w.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}
