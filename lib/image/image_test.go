// SPDX-License-Identifier: MIT
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

// buildImage assembles a syntactically valid image from segment data,
// with a correct checksum and (optionally) a correct trailing digest.
func buildImage(t *testing.T, segData [][]byte, withDigest bool) []byte {
	t.Helper()

	buf := make([]byte, headerLen+extHeaderLen)
	buf[0] = Magic
	buf[1] = byte(len(segData))
	buf[2] = 0x02
	buf[3] = 0x10
	binary.LittleEndian.PutUint32(buf[4:], 0x403b9e50)
	if withDigest {
		buf[hashFlagOffs] = 1
	}

	for i, data := range segData {
		sub := make([]byte, segHeaderLen)
		binary.LittleEndian.PutUint32(sub, 0x3fc80000+uint32(i)*0x1000)
		binary.LittleEndian.PutUint32(sub[4:], uint32(len(data)))
		buf = append(buf, sub...)
		buf = append(buf, data...)
	}

	padded := (len(buf) + paddingAlign) &^ (paddingAlign - 1)
	buf = append(buf, make([]byte, padded-len(buf))...)

	sum := byte(ChecksumSeed)
	for _, data := range segData {
		for _, b := range data {
			sum ^= b
		}
	}
	buf[len(buf)-1] = sum

	if withDigest {
		hash := sha256.Sum256(buf)
		buf = append(buf, hash[:]...)
	}

	return buf
}

func TestParse(t *testing.T) {
	buf := buildImage(t, [][]byte{
		{0x01, 0x02, 0x03},
		{0xde, 0xad, 0xbe, 0xef, 0x55},
	}, true)

	img, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}

	if img.Header.SegmentCount != 2 {
		t.Errorf("segment count %d, expected 2", img.Header.SegmentCount)
	}
	if img.Header.EntryAddr != 0x403b9e50 {
		t.Errorf("entry addr 0x%08x, expected 0x403b9e50", img.Header.EntryAddr)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("parsed %d segments, expected 2", len(img.Segments))
	}
	if img.Segments[0].LoadAddr != 0x3fc80000 {
		t.Errorf("segment 0 load addr 0x%08x", img.Segments[0].LoadAddr)
	}
	if !bytes.Equal(img.Segments[1].Data, []byte{0xde, 0xad, 0xbe, 0xef, 0x55}) {
		t.Errorf("segment 1 data %x", img.Segments[1].Data)
	}
	if img.Digest == nil {
		t.Error("expected a digest")
	}
}

func TestParseBadMagic(t *testing.T) {
	buf := buildImage(t, [][]byte{{1, 2, 3}}, false)
	buf[0] = 0x7f

	_, err := Parse(buf)
	if errors.Cause(err) != ErrMalformed {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	buf := buildImage(t, [][]byte{{1, 2, 3, 4}}, false)

	// Inflate the declared length of segment 0 far past the buffer.
	binary.LittleEndian.PutUint32(buf[headerLen+extHeaderLen+4:], 0x10000)

	_, err := Parse(buf)
	if errors.Cause(err) != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}

	if _, err := Checksum(buf); errors.Cause(err) != ErrTruncated {
		t.Errorf("Checksum: expected ErrTruncated, got %v", err)
	}

	if _, err := Resign(buf); errors.Cause(err) != ErrTruncated {
		t.Errorf("Resign: expected ErrTruncated, got %v", err)
	}
}

func TestParseShortBuffer(t *testing.T) {
	_, err := Parse([]byte{Magic, 1, 0})
	if errors.Cause(err) != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestChecksumSeed(t *testing.T) {
	buf := buildImage(t, [][]byte{{0xAA, 0xBB, 0xCC, 0xDD}}, false)

	sum, err := Checksum(buf)
	if err != nil {
		t.Fatal(err)
	}

	// 0xEF ^ 0xAA ^ 0xBB ^ 0xCC ^ 0xDD folds back to 0xEF.
	if sum != 0xEF {
		t.Errorf("checksum 0x%02x, expected 0xef", sum)
	}
}

func TestChecksumIgnoresHeadersAndPadding(t *testing.T) {
	buf := buildImage(t, [][]byte{{9, 8, 7}}, false)

	want, err := Checksum(buf)
	if err != nil {
		t.Fatal(err)
	}

	// Headers (but not segment_count, which changes the structure),
	// segment load address, and tail padding.
	segEnd := headerLen + extHeaderLen + segHeaderLen + 3
	for _, offs := range []int{0, 2, 4, 8, hashFlagOffs, headerLen + extHeaderLen, segEnd} {
		mut := append([]byte(nil), buf...)
		mut[offs] ^= 0xFF

		sum, err := Checksum(mut)
		if err != nil {
			t.Fatal(err)
		}
		if sum != want {
			t.Errorf("mutating offset %d changed the checksum", offs)
		}
	}
}

func TestChecksumCoversEveryDataBit(t *testing.T) {
	buf := buildImage(t, [][]byte{{9, 8}, {7}}, false)

	want, err := Checksum(buf)
	if err != nil {
		t.Fatal(err)
	}

	dataOffsets := []int{
		headerLen + extHeaderLen + segHeaderLen,
		headerLen + extHeaderLen + segHeaderLen + 1,
		headerLen + extHeaderLen + segHeaderLen + 2 + segHeaderLen,
	}
	for _, offs := range dataOffsets {
		for bit := 0; bit < 8; bit++ {
			mut := append([]byte(nil), buf...)
			mut[offs] ^= 1 << bit

			sum, err := Checksum(mut)
			if err != nil {
				t.Fatal(err)
			}
			if sum == want {
				t.Errorf("flipping bit %d at offset %d left the checksum at 0x%02x", bit, offs, sum)
			}
		}
	}
}

func TestHasDigest(t *testing.T) {
	for _, tc := range []struct {
		length int
		flag   byte
		want   bool
	}{
		{48, 1, true},
		{48, 0, false},
		{20, 1, false},
		{47, 1, false},
	} {
		buf := make([]byte, tc.length)
		if tc.length > hashFlagOffs {
			buf[hashFlagOffs] = tc.flag
		}

		if got := HasDigest(buf); got != tc.want {
			t.Errorf("HasDigest(len %d, flag %d) = %v, expected %v", tc.length, tc.flag, got, tc.want)
		}
	}
}

func TestResignPassThrough(t *testing.T) {
	buf := []byte{0x7f, 0x45, 0x4c, 0x46, 0, 0, 0, 0}

	out, err := Resign(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, buf) {
		t.Error("non-image buffer was modified")
	}
}

func TestResignAfterEdit(t *testing.T) {
	buf := buildImage(t, [][]byte{make([]byte, 40)}, true)

	// Edit some segment data, invalidating checksum and digest.
	edited := append([]byte(nil), buf...)
	copy(edited[headerLen+extHeaderLen+segHeaderLen:], "edited value")

	out, err := Resign(edited)
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != len(edited) {
		t.Fatalf("length changed: %d -> %d", len(edited), len(out))
	}
	if !bytes.Equal(out[:len(out)-DigestLen-1], edited[:len(edited)-DigestLen-1]) {
		t.Error("content before the checksum byte was modified")
	}

	sum, err := Checksum(out)
	if err != nil {
		t.Fatal(err)
	}
	if out[len(out)-DigestLen-1] != sum {
		t.Errorf("checksum byte 0x%02x, computed 0x%02x", out[len(out)-DigestLen-1], sum)
	}

	want := sha256.Sum256(out[:len(out)-DigestLen])
	if !bytes.Equal(out[len(out)-DigestLen:], want[:]) {
		t.Error("digest doesn't cover the re-signed content")
	}

	// The input must not have been touched.
	if edited[len(edited)-DigestLen-1] != buf[len(buf)-DigestLen-1] {
		t.Error("Resign wrote into its input buffer")
	}
}

func TestResignIdempotent(t *testing.T) {
	for _, withDigest := range []bool{false, true} {
		buf := buildImage(t, [][]byte{{1, 2, 3}, {4, 5}}, withDigest)

		once, err := Resign(buf)
		if err != nil {
			t.Fatal(err)
		}
		twice, err := Resign(once)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(once, buf) {
			t.Errorf("digest=%v: re-signing a valid image changed it", withDigest)
		}
		if !bytes.Equal(once, twice) {
			t.Errorf("digest=%v: Resign is not idempotent", withDigest)
		}
	}
}

func TestResignBadPadding(t *testing.T) {
	buf := buildImage(t, [][]byte{{1, 2, 3}}, false)

	// An extra 16-byte block of padding is structurally inconsistent
	// with the segment table.
	buf = append(buf, make([]byte, paddingAlign)...)

	_, err := Resign(buf)
	if errors.Cause(err) != ErrMalformed {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
