// SPDX-License-Identifier: MIT
package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/log"

	"github.com/lemio/ESP32-S3-Flasher/lib/config"
	"github.com/lemio/ESP32-S3-Flasher/lib/flash"
	"github.com/lemio/ESP32-S3-Flasher/lib/image"
	"github.com/lemio/ESP32-S3-Flasher/lib/patch"
)

func loadInputFile(ctx *cli.Context) ([]byte, string, error) {
	if ctx.Args().Len() != 1 {
		return nil, "", fmt.Errorf("INPUT_FILE is required")
	}
	fname := ctx.Args().First()

	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, fname, errors.Wrap(err, "reading input file")
	}

	return data, fname, nil
}

// userValues builds the value source for substitution from repeated
// --set TOKEN=VALUE flags. Tokens without a --set fall back to their
// catalog defaults inside the engine.
func userValues(ctx *cli.Context) (patch.ValueFunc, error) {
	values := make(map[string]string)
	for _, arg := range ctx.StringSlice("set") {
		token, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("--set needs TOKEN=VALUE, got '%s'", arg)
		}
		values[token] = value
	}

	return func(token string) (string, bool) {
		v, ok := values[token]
		return v, ok
	}, nil
}

func reportWarnings(warnings []patch.Warning) {
	for _, w := range warnings {
		color.Yellow("WARNING: %s", w)
	}
}

func infoAction(ctx *cli.Context) error {
	data, fname, err := loadInputFile(ctx)
	if err != nil {
		return err
	}

	img, err := image.Parse(data)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", fname)
	}

	hdr := img.Header
	log.Printf("%s: %d bytes\n", fname, len(data))
	log.Printf("   Entry:      0x%08x\n", hdr.EntryAddr)
	log.Printf("   ChipID:     0x%04x\n", hdr.ChipID)
	log.Printf("   SPI mode:   0x%02x, speed/size 0x%02x\n", hdr.SPIMode, hdr.SPISpeedSize)
	log.Printf("   Segments:   %d\n", hdr.SegmentCount)
	for i, seg := range img.Segments {
		log.Printf("      %d: 0x%08x, %d bytes at file offset 0x%x\n",
			i, seg.LoadAddr, len(seg.Data), seg.Offset)
	}

	sum, err := image.Checksum(data)
	if err != nil {
		return err
	}
	if sum == img.Checksum {
		log.Printf("   Checksum:   0x%02x (valid)\n", img.Checksum)
	} else {
		color.Red("   Checksum:   0x%02x (computed 0x%02x)", img.Checksum, sum)
	}

	if img.Digest == nil {
		log.Println("   Digest:     not appended")
	} else {
		want := sha256.Sum256(data[:len(data)-image.DigestLen])
		if bytes.Equal(img.Digest, want[:]) {
			log.Printf("   Digest:     %x (valid)\n", img.Digest)
		} else {
			color.Red("   Digest:     %x (stale)", img.Digest)
		}
	}

	return nil
}

func outputName(ctx *cli.Context, fname string) string {
	if ctx.IsSet("output") {
		return ctx.String("output")
	}
	return strings.TrimSuffix(fname, ".bin") + ".signed.bin"
}

func resignAction(ctx *cli.Context) error {
	data, fname, err := loadInputFile(ctx)
	if err != nil {
		return err
	}

	if !image.IsImage(data) {
		color.Yellow("WARNING: %s is not an ESP32 image, writing it back unchanged", fname)
	}

	out, err := image.Resign(data)
	if err != nil {
		return errors.Wrapf(err, "re-signing %s", fname)
	}

	oname := outputName(ctx, fname)
	err = ioutil.WriteFile(oname, out, 0644)
	if err != nil {
		return err
	}

	log.Println("Wrote", oname)
	return nil
}

// patchFirmware runs the substitution pipeline for one catalog entry and
// leaves the re-signed bytes in fw.Data.
func patchFirmware(ctx *cli.Context, fw *config.Firmware) error {
	values, err := userValues(ctx)
	if err != nil {
		return err
	}

	out, warnings, err := patch.Substitute(fw.Data, fw.PatchVariables(), values)
	reportWarnings(warnings)
	if err != nil {
		return errors.Wrapf(err, "patching firmware '%s'", fw.Name)
	}

	fw.Data = out
	return nil
}

func selectFirmware(ctx *cli.Context) (*config.Catalog, *config.Firmware, error) {
	if ctx.Args().Len() != 1 {
		return nil, nil, fmt.Errorf("CATALOG_FILE is required")
	}

	cat, err := config.LoadCatalog(ctx.Args().First())
	if err != nil {
		return nil, nil, err
	}

	fw := cat.Firmware(ctx.String("firmware"))
	if fw == nil {
		return nil, nil, fmt.Errorf("can't select a firmware entry, use --firmware")
	}
	log.Verboseln(fw)

	return cat, fw, nil
}

func patchAction(ctx *cli.Context) error {
	_, fw, err := selectFirmware(ctx)
	if err != nil {
		return err
	}

	err = patchFirmware(ctx, fw)
	if err != nil {
		return err
	}

	oname := outputName(ctx, fw.DataFile)
	err = ioutil.WriteFile(oname, fw.Data, 0644)
	if err != nil {
		return err
	}

	log.Println("Wrote", oname)
	return nil
}

func flashAction(ctx *cli.Context) error {
	cat, fw, err := selectFirmware(ctx)
	if err != nil {
		return err
	}

	err = patchFirmware(ctx, fw)
	if err != nil {
		return err
	}

	port := ctx.String("port")
	baud := ctx.Int("baud")
	if cat.Device != nil {
		if port == "" {
			port = cat.Device.Port
		}
		if baud == 0 {
			baud = cat.Device.BaudRate
		}
	}
	if port == "" {
		return fmt.Errorf("no serial port given, use --port")
	}

	dev, err := flash.NewContext(port, baud)
	if err != nil {
		return err
	}
	defer dev.Close()

	err = dev.EnterBootloader()
	if err != nil {
		return err
	}

	err = dev.Flash(fw)
	if err != nil {
		return err
	}

	dev.HardReset()
	color.Green("Success!")

	return nil
}

func main() {
	app := &cli.App{
		Name:  "esp32flash",
		Usage: "Patch, re-sign and flash ESP32-S3 firmware images",
		// Just ignore errors - we'll handle them ourselves in main()
		ExitErrHandler: func(c *cli.Context, e error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "verbose",
				Aliases:  []string{"v"},
				Usage:    "Enable more output",
				Required: false,
				Value:    false,
			},
		},
	}

	firmwareFlag := &cli.StringFlag{
		Name:    "firmware",
		Aliases: []string{"f"},
		Usage:   "Name of the catalog entry to use",
	}
	setFlag := &cli.StringSliceFlag{
		Name:  "set",
		Usage: "Set a placeholder value as TOKEN=VALUE (repeatable)",
	}
	outputFlag := &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output filename",
	}

	app.Commands = []*cli.Command{
		{
			Name:      "info",
			ArgsUsage: "INPUT_FILE",
			Usage:     "Show image structure and integrity state",
			Action:    infoAction,
		},
		{
			Name:      "resign",
			ArgsUsage: "INPUT_FILE",
			Usage:     "Recompute checksum and digest of a modified image",
			Action:    resignAction,
			Flags:     []cli.Flag{outputFlag},
		},
		{
			Name:      "patch",
			ArgsUsage: "CATALOG_FILE",
			Usage:     "Substitute placeholder values and re-sign",
			Action:    patchAction,
			Flags:     []cli.Flag{firmwareFlag, setFlag, outputFlag},
		},
		{
			Name:      "flash",
			ArgsUsage: "CATALOG_FILE",
			Usage:     "Patch, re-sign and upload over serial",
			Action:    flashAction,
			Flags: []cli.Flag{
				firmwareFlag,
				setFlag,
				&cli.StringFlag{
					Name:    "port",
					Aliases: []string{"p"},
					Usage:   "Serial port device",
				},
				&cli.IntFlag{
					Name:  "baud",
					Usage: "Baud rate",
				},
			},
		},
	}

	app.Before = func(ctx *cli.Context) error {
		log.SetUseLog(false)

		log.SetVerbose(ctx.Bool("verbose"))
		log.Verboseln("Extra output enabled.")
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Println("ERROR:", err)
		if v, ok := err.(cli.ExitCoder); ok {
			os.Exit(v.ExitCode())
		} else {
			os.Exit(1)
		}
	}
}
