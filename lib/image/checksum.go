// SPDX-License-Identifier: MIT
package image

// checksumSegments XOR-folds every segment data byte into the seed, in
// table order. Headers, sub-headers and tail padding are not covered;
// that matches the ROM loader, which only sums what it copies to RAM.
func checksumSegments(segs []Segment) byte {
	sum := byte(ChecksumSeed)
	for _, seg := range segs {
		for _, b := range seg.Data {
			sum ^= b
		}
	}
	return sum
}

// Checksum computes the image checksum over the full buffer. The segment
// table bounds the traversal, so a trailing digest never contributes even
// when it hasn't been stripped.
func Checksum(buf []byte) (byte, error) {
	segs, err := parseSegments(buf)
	if err != nil {
		return 0, err
	}
	return checksumSegments(segs), nil
}
