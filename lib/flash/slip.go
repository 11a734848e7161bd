// SPDX-License-Identifier: MIT
package flash

import (
	"time"

	"github.com/pkg/errors"
)

// The ROM loader frames every packet with SLIP (RFC 1055): 0xC0
// delimiters, 0xC0 -> 0xDB 0xDC and 0xDB -> 0xDB 0xDD inside.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var errFrameTimeout = errors.New("timed out waiting for a frame")

func slipEncode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, slipEnd)
	for _, b := range payload {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// readByte returns the next raw byte from the port, refilling the
// receive buffer as needed.
func (c *Context) readByte(deadline time.Time) (byte, error) {
	for len(c.rx) == 0 {
		if time.Now().After(deadline) {
			return 0, errFrameTimeout
		}

		buf := make([]byte, 64)
		n, err := c.port.Read(buf)
		if err != nil {
			return 0, errors.Wrap(err, "serial read")
		}
		c.rx = buf[:n]
	}

	b := c.rx[0]
	c.rx = c.rx[1:]
	return b, nil
}

// readFrame returns the next decoded SLIP frame, discarding noise before
// the opening delimiter. The chip echoes garbage during reset, so
// anything outside a frame is expected and dropped.
func (c *Context) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	// Hunt for the opening delimiter.
	for {
		b, err := c.readByte(deadline)
		if err != nil {
			return nil, err
		}
		if b == slipEnd {
			break
		}
	}

	var frame []byte
	for {
		b, err := c.readByte(deadline)
		if err != nil {
			return nil, err
		}

		switch b {
		case slipEnd:
			if len(frame) == 0 {
				// Back-to-back delimiters, keep hunting.
				continue
			}
			return frame, nil
		case slipEsc:
			esc, err := c.readByte(deadline)
			if err != nil {
				return nil, err
			}
			switch esc {
			case slipEscEnd:
				frame = append(frame, slipEnd)
			case slipEscEsc:
				frame = append(frame, slipEsc)
			default:
				return nil, errors.Errorf("invalid SLIP escape 0x%02x", esc)
			}
		default:
			frame = append(frame, b)
		}
	}
}
