// SPDX-License-Identifier: MIT
// Package flash uploads firmware images over a serial port using the
// ESP32 ROM loader protocol.
package flash

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/usedbytes/log"
	"go.bug.st/serial"

	"github.com/lemio/ESP32-S3-Flasher/lib/config"
)

const DefaultBaudRate = 115200

// Chip detection magic, read from the register the ROM maps at the same
// address on every chip family.
const chipMagicReg = 0x40001000

var chipMagics = map[uint32]string{
	0x00f01d83: "ESP32",
	0x6921506f: "ESP32-C3",
	0x1b31506f: "ESP32-C3",
	0x09:       "ESP32-S3",
	0x000007c6: "ESP32-S2",
}

type Context struct {
	name string
	port serial.Port
	rx   []byte
}

func NewContext(portName string, baud int) (*Context, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", portName)
	}

	err = port.SetReadTimeout(100 * time.Millisecond)
	if err != nil {
		port.Close()
		return nil, errors.Wrap(err, "setting read timeout")
	}

	log.Verbosef("Opened %s at %d baud\n", portName, baud)

	return &Context{name: portName, port: port}, nil
}

func (c *Context) Close() {
	if c.port != nil {
		c.port.Close()
		c.port = nil
	}
}

// EnterBootloader resets the chip into the ROM loader with the usual
// DTR/RTS autoreset circuit (DTR -> GPIO0, RTS -> EN) and syncs.
func (c *Context) EnterBootloader() error {
	c.port.SetDTR(false)
	c.port.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	c.port.SetDTR(true)
	c.port.SetRTS(false)
	time.Sleep(50 * time.Millisecond)
	c.port.SetDTR(false)

	c.port.ResetInputBuffer()
	c.rx = nil

	var err error
	log.Printf("Connecting... ")
	for i := 0; i < 7; i++ {
		err = c.Sync()
		if err == nil {
			break
		}
		log.Printf(".")
	}
	log.Printf("\n")
	if err != nil {
		return errors.Wrap(err, "no sync from bootloader")
	}

	chip, err := c.DetectChip()
	if err != nil {
		return err
	}
	log.Println("Found", chip)

	return nil
}

// HardReset pulses EN to reboot into the flashed application.
func (c *Context) HardReset() {
	c.port.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	c.port.SetRTS(false)
}

func (c *Context) DetectChip() (string, error) {
	magic, err := c.ReadReg(chipMagicReg)
	if err != nil {
		return "", errors.Wrap(err, "reading chip magic")
	}

	chip, ok := chipMagics[magic]
	if !ok {
		log.Verbosef("Unknown chip magic 0x%08x\n", magic)
		return "unknown chip", nil
	}
	return chip, nil
}

// Flash writes fw.Data at fw.FlashOffset and verifies it with the
// device-side MD5. The caller is expected to have re-signed the image
// already; this layer moves bytes, it doesn't interpret them.
func (c *Context) Flash(fw *config.Firmware) error {
	if len(fw.Data) == 0 {
		return errors.Errorf("firmware '%s' has no data", fw.Name)
	}

	err := c.SpiAttach()
	if err != nil {
		return errors.Wrap(err, "attaching SPI flash")
	}

	blocks := (len(fw.Data) + FlashBlockSize - 1) / FlashBlockSize

	log.Printf("Erase + write 0x%x bytes at 0x%x...\n", len(fw.Data), fw.FlashOffset)
	err = c.flashBegin(uint32(len(fw.Data)), uint32(blocks), fw.FlashOffset)
	if err != nil {
		return errors.Wrap(err, "starting flash")
	}

	bar := pb.StartNew(blocks)
	for seq := 0; seq < blocks; seq++ {
		start := seq * FlashBlockSize
		end := start + FlashBlockSize
		if end > len(fw.Data) {
			end = len(fw.Data)
		}

		// Short final blocks are padded out with erased-flash bytes.
		block := make([]byte, FlashBlockSize)
		for i := range block {
			block[i] = 0xFF
		}
		copy(block, fw.Data[start:end])

		err = c.flashData(block, uint32(seq))
		if err != nil {
			bar.Finish()
			return errors.Wrapf(err, "writing block %d/%d", seq+1, blocks)
		}
		bar.Increment()
	}
	bar.Finish()

	log.Println("Verify...")
	sum := md5.Sum(fw.Data)
	want := hex.EncodeToString(sum[:])

	got, err := c.flashMD5(fw.FlashOffset, uint32(len(fw.Data)))
	if err != nil {
		return errors.Wrap(err, "checking flash MD5")
	}
	if got != want {
		return errors.Errorf("flash MD5 mismatch: device %s, expected %s", got, want)
	}

	err = c.flashEnd(false)
	if err != nil {
		return errors.Wrap(err, "finishing flash")
	}

	return nil
}
