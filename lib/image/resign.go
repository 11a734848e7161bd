// SPDX-License-Identifier: MIT
package image

import (
	"github.com/usedbytes/log"
)

// Resign recomputes the integrity fields of buf after its content was
// modified: the XOR checksum in the last byte before the digest, and the
// trailing SHA-256 when the extended header says one is appended.
//
// A buffer that doesn't start with the image magic isn't an error, it's
// just none of our business - it is returned untouched. For anything
// else the result is a fresh buffer of the same length; buf is never
// written to.
func Resign(buf []byte) ([]byte, error) {
	if !IsImage(buf) {
		var first byte
		if len(buf) > 0 {
			first = buf[0]
		}
		log.Verbosef("Not an ESP32 image (first byte 0x%02x), leaving as-is\n", first)
		return buf, nil
	}

	segs, err := parseSegments(buf)
	if err != nil {
		return nil, err
	}

	dataLen := len(buf)
	hasDigest := HasDigest(buf)
	if hasDigest {
		dataLen -= DigestLen
	}

	if err := checkPadding(segs, dataLen); err != nil {
		return nil, err
	}

	// The traversal above never reaches the digest region, so summing
	// the full buffer and summing buf[:dataLen] are the same thing.
	sum := checksumSegments(segs)

	out := make([]byte, len(buf))
	copy(out, buf[:dataLen])
	out[dataLen-1] = sum

	if hasDigest {
		copy(out[dataLen:], digest(out[:dataLen]))
	}

	log.Verbosef("Re-signed %d byte image: checksum 0x%02x, digest %v\n", len(out), sum, hasDigest)

	return out, nil
}
