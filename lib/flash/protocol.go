// SPDX-License-Identifier: MIT
package flash

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/usedbytes/log"

	"github.com/lemio/ESP32-S3-Flasher/lib/image"
)

// ROM loader command set (the subset this tool speaks):
//
//	08  SYNC            0x07 0x07 0x12 0x20 + 32x 0x55
//	0a  READ_REG        <addr32>
//	0d  SPI_ATTACH      <pins32> <zero32>
//	02  FLASH_BEGIN     <erase32> <packets32> <blocksize32> <offset32> <enc32>
//	03  FLASH_DATA      <len32> <seq32> <zero32> <zero32> + data (checksummed)
//	04  FLASH_END       <run32>
//	13  SPI_FLASH_MD5   <addr32> <size32> <zero32> <zero32>
//
// Requests are <0x00> <op> <len16> <checksum32> <payload>, SLIP framed.
// Responses are <0x01> <op> <len16> <value32> <payload>, with the ROM's
// four status bytes at the end of the payload.
const (
	opFlashBegin  = 0x02
	opFlashData   = 0x03
	opFlashEnd    = 0x04
	opSync        = 0x08
	opReadReg     = 0x0A
	opSpiAttach   = 0x0D
	opSpiFlashMD5 = 0x13
)

const (
	statusLen = 4

	// FlashBlockSize is the payload size of one FLASH_DATA packet.
	FlashBlockSize = 0x400

	defaultTimeout = 500 * time.Millisecond
	syncTimeout    = 100 * time.Millisecond
	eraseTimeout   = 10 * time.Second
	md5Timeout     = 8 * time.Second
)

// packetChecksum is the XOR sum the loader expects in the header of data
// commands. Same fold and seed as the image checksum.
func packetChecksum(data []byte) uint32 {
	sum := byte(image.ChecksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

func appendUint32(buf []byte, vals ...uint32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}

// command sends one request and waits for the matching response,
// returning the value word and the payload with the status bytes
// stripped. Stray frames for other ops are skipped; the ROM loves to
// answer late.
func (c *Context) command(op byte, payload []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	pkt := make([]byte, 0, 8+len(payload))
	pkt = append(pkt, 0x00, op)
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(payload)))
	pkt = binary.LittleEndian.AppendUint32(pkt, chk)
	pkt = append(pkt, payload...)

	_, err := c.port.Write(slipEncode(pkt))
	if err != nil {
		return 0, nil, errors.Wrapf(err, "sending command 0x%02x", op)
	}

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return 0, nil, errors.Errorf("no response to command 0x%02x", op)
		}

		resp, err := c.readFrame(timeout)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "reading response to command 0x%02x", op)
		}

		if len(resp) < 8+statusLen || resp[0] != 0x01 {
			log.Verbosef("Skipping %d byte stray frame\n", len(resp))
			continue
		}
		if resp[1] != op {
			log.Verbosef("Skipping response for command 0x%02x\n", resp[1])
			continue
		}

		value := binary.LittleEndian.Uint32(resp[4:8])
		data := resp[8:]

		status := data[len(data)-statusLen:]
		if status[0] != 0 {
			return 0, nil, errors.Errorf("command 0x%02x failed on device: error 0x%02x", op, status[1])
		}

		return value, data[:len(data)-statusLen], nil
	}
}

// Sync runs the baud rate detection handshake. One successful exchange
// is followed by a queue of identical responses, which are drained.
func (c *Context) Sync() error {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

	_, _, err := c.command(opSync, payload, 0, syncTimeout)
	if err != nil {
		return err
	}

	for {
		_, err := c.readFrame(syncTimeout)
		if err != nil {
			break
		}
	}

	return nil
}

// ReadReg reads a peripheral register on the device.
func (c *Context) ReadReg(addr uint32) (uint32, error) {
	value, _, err := c.command(opReadReg, appendUint32(nil, addr), 0, defaultTimeout)
	return value, err
}

// SpiAttach connects the flash controller to the default SPI pins.
// Required once after reset, before any flash command.
func (c *Context) SpiAttach() error {
	_, _, err := c.command(opSpiAttach, appendUint32(nil, 0, 0), 0, defaultTimeout)
	return err
}

func (c *Context) flashBegin(size, blocks, offset uint32) error {
	payload := appendUint32(nil, size, blocks, FlashBlockSize, offset, 0)
	_, _, err := c.command(opFlashBegin, payload, 0, eraseTimeout)
	return err
}

func (c *Context) flashData(data []byte, seq uint32) error {
	payload := appendUint32(nil, uint32(len(data)), seq, 0, 0)
	payload = append(payload, data...)
	_, _, err := c.command(opFlashData, payload, packetChecksum(data), defaultTimeout)
	return err
}

func (c *Context) flashEnd(run bool) error {
	// 1 = stay in the loader; leaving is done with a hard reset so the
	// response doesn't get lost.
	arg := uint32(1)
	if run {
		arg = 0
	}
	_, _, err := c.command(opFlashEnd, appendUint32(nil, arg), 0, defaultTimeout)
	return err
}

// flashMD5 asks the device to hash size bytes of flash at addr. The ROM
// answers with 32 hex characters.
func (c *Context) flashMD5(addr, size uint32) (string, error) {
	payload := appendUint32(nil, addr, size, 0, 0)
	_, data, err := c.command(opSpiFlashMD5, payload, 0, md5Timeout)
	if err != nil {
		return "", err
	}
	if len(data) < 32 {
		return "", errors.Errorf("short MD5 response (%d bytes)", len(data))
	}
	return string(data[:32]), nil
}
