// SPDX-License-Identifier: MIT
package image

import "crypto/sha256"

// digest computes the trailing hash over an image that has already had
// any previous digest stripped. SHA-256 is the primitive the ROM
// bootloader verifies against.
func digest(imageData []byte) []byte {
	sum := sha256.Sum256(imageData)
	return sum[:]
}
