package util

import (
	_ "crypto/sha256" // register the hashes go-digest offers
	_ "crypto/sha512"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrDigestMismatch means content did not hash to the expected digest.
var ErrDigestMismatch = errors.New("content does not match digest")

// A DigestWriter wraps an io.Writer and also calculates the digest and length
// of the bytes written.
type DigestWriter struct {
	io.Writer // our io.MultiWriter
	digester  digest.Digester
	n         int64
}

// NewDigestWriter returns a DigestWriter wrapping w which hashes with alg.
// If w is nil the bytes are only hashed.
func NewDigestWriter(w io.Writer, alg digest.Algorithm) *DigestWriter {
	dw := &DigestWriter{digester: alg.Digester()}
	if w == nil {
		dw.Writer = dw.digester.Hash()
	} else {
		dw.Writer = io.MultiWriter(w, dw.digester.Hash())
	}
	return dw
}

func (dw *DigestWriter) Write(p []byte) (int, error) {
	n, err := dw.Writer.Write(p)
	dw.n += int64(n)
	return n, err
}

// Digest returns the digest of everything written so far.
func (dw *DigestWriter) Digest() digest.Digest {
	return dw.digester.Digest()
}

// Size returns the number of bytes written so far.
func (dw *DigestWriter) Size() int64 {
	return dw.n
}

// VerifyStreamHash reads r to the end and compares its digest against goal.
// An empty goal is treated as matching. The reader is not closed when
// finished. It returns the number of bytes read.
func VerifyStreamHash(r io.Reader, goal digest.Digest) (int64, error) {
	if goal == "" {
		return io.Copy(io.Discard, r)
	}
	if err := goal.Validate(); err != nil {
		return 0, err
	}
	dw := NewDigestWriter(nil, goal.Algorithm())
	n, err := io.Copy(dw, r)
	if err != nil {
		return n, err
	}
	if dw.Digest() != goal {
		return n, errors.Wrapf(ErrDigestMismatch, "computed %s, expected %s", dw.Digest(), goal)
	}
	return n, nil
}
