// SPDX-License-Identifier: MIT
// Package image parses and re-signs ESP32 application images.
//
// The on-flash layout is an 8-byte header, a 16-byte extended header,
// segment_count segments (8-byte sub-header + data each), zero padding up
// to a 16-byte boundary whose last byte is the XOR checksum, and an
// optional trailing SHA-256 over everything before it.
package image

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// Magic is the first byte of every valid image.
	Magic = 0xE9

	// ChecksumSeed is the initial accumulator value for the XOR checksum.
	// The ROM loader uses the same seed for its flash data packets.
	ChecksumSeed = 0xEF

	// DigestLen is the size of the optional trailing SHA-256.
	DigestLen = 32

	headerLen     = 8
	extHeaderLen  = 16
	segHeaderLen  = 8
	paddingAlign  = 16
	hashFlagOffs  = 23
	minDigestable = 33
)

var (
	// ErrTruncated means a declared segment extends past the end of the
	// buffer. Never clamped; a clamped image would brick the device.
	ErrTruncated = errors.New("image truncated")

	// ErrMalformed means the buffer is structurally inconsistent with
	// the header (bad tail padding, impossible lengths).
	ErrMalformed = errors.New("image malformed")
)

// Header is the fixed 24 bytes at the start of an image. Only Magic,
// SegmentCount and HashAppended are interpreted here; the rest is carried
// through untouched and exposed for inspection.
type Header struct {
	Magic          byte
	SegmentCount   byte
	SPIMode        byte
	SPISpeedSize   byte
	EntryAddr      uint32
	WPPin          byte
	SPIPinDrv      [3]byte
	ChipID         uint16
	MinChipRev     byte
	MinChipRevFull uint16
	MaxChipRevFull uint16
	HashAppended   byte
}

// Segment is one loadable region: where it goes and which bytes of the
// image belong to it. Data aliases the parsed buffer.
type Segment struct {
	LoadAddr uint32
	Offset   int
	Data     []byte
}

// Image is the parsed view of a buffer, for callers that want more than
// the re-signing entry points.
type Image struct {
	Header   Header
	Segments []Segment

	// Checksum is the stored checksum byte (last byte before the digest).
	Checksum byte
	// Digest is the stored trailing SHA-256, nil when absent.
	Digest []byte
}

// IsImage reports whether buf starts with the image magic. Anything else
// is not an error, just not ours to touch.
func IsImage(buf []byte) bool {
	return len(buf) > 0 && buf[0] == Magic
}

// HasDigest reports whether buf carries a trailing SHA-256: the extended
// header flag is set, the total length is a 16-byte multiple, and there
// is room for at least one padded block plus the digest.
func HasDigest(buf []byte) bool {
	return len(buf) >= minDigestable &&
		len(buf)%paddingAlign == 0 &&
		buf[hashFlagOffs] != 0
}

// parseSegments walks the segment table and returns the data ranges.
// Traversal is bounded by the lengths declared in the sub-headers, so a
// trailing digest is never visited, but every range is checked against
// the buffer so corruption surfaces as ErrTruncated instead of a panic.
func parseSegments(buf []byte) ([]Segment, error) {
	if len(buf) < headerLen+extHeaderLen {
		return nil, errors.Wrapf(ErrTruncated, "%d byte buffer is shorter than the image headers", len(buf))
	}

	count := int(buf[1])
	offset := headerLen + extHeaderLen

	segs := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		if offset+segHeaderLen > len(buf) {
			return nil, errors.Wrapf(ErrTruncated, "segment %d sub-header at offset 0x%x", i, offset)
		}

		addr := binary.LittleEndian.Uint32(buf[offset:])
		dataLen := int(binary.LittleEndian.Uint32(buf[offset+4:]))
		offset += segHeaderLen

		if dataLen < 0 || dataLen > len(buf)-offset {
			return nil, errors.Wrapf(ErrTruncated, "segment %d declares %d data bytes at offset 0x%x", i, dataLen, offset)
		}

		segs = append(segs, Segment{
			LoadAddr: addr,
			Offset:   offset,
			Data:     buf[offset : offset+dataLen],
		})
		offset += dataLen
	}

	return segs, nil
}

// segmentsEnd is the offset just past the last segment's data, i.e. where
// the tail padding starts.
func segmentsEnd(segs []Segment) int {
	end := headerLen + extHeaderLen
	if n := len(segs); n > 0 {
		end = segs[n-1].Offset + len(segs[n-1].Data)
	}
	return end
}

// checkPadding verifies that the checksum byte sits where the segment
// table says it should: dataLen (the image length without any digest)
// must be the traversal end rounded up to a 16-byte boundary with at
// least one byte reserved for the checksum.
func checkPadding(segs []Segment, dataLen int) error {
	end := segmentsEnd(segs)
	want := (end + paddingAlign) &^ (paddingAlign - 1)
	if dataLen != want {
		return errors.Wrapf(ErrMalformed,
			"segments end at 0x%x so the padded length should be 0x%x, not 0x%x", end, want, dataLen)
	}
	return nil
}

// Parse decodes the full structure of an image for inspection. Unlike
// Resign it treats a bad magic as an error, since the caller explicitly
// asked for a decoded image.
func Parse(buf []byte) (*Image, error) {
	if !IsImage(buf) {
		return nil, errors.Wrapf(ErrMalformed, "bad magic (expected 0x%02x)", Magic)
	}

	segs, err := parseSegments(buf)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Header: Header{
			Magic:          buf[0],
			SegmentCount:   buf[1],
			SPIMode:        buf[2],
			SPISpeedSize:   buf[3],
			EntryAddr:      binary.LittleEndian.Uint32(buf[4:]),
			WPPin:          buf[8],
			ChipID:         binary.LittleEndian.Uint16(buf[12:]),
			MinChipRev:     buf[14],
			MinChipRevFull: binary.LittleEndian.Uint16(buf[15:]),
			MaxChipRevFull: binary.LittleEndian.Uint16(buf[17:]),
			HashAppended:   buf[hashFlagOffs],
		},
		Segments: segs,
	}
	copy(img.Header.SPIPinDrv[:], buf[9:12])

	dataLen := len(buf)
	if HasDigest(buf) {
		dataLen -= DigestLen
		img.Digest = buf[dataLen:]
	}

	if err := checkPadding(segs, dataLen); err != nil {
		return nil, err
	}
	img.Checksum = buf[dataLen-1]

	return img, nil
}
