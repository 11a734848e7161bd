// SPDX-License-Identifier: MIT
// Package config loads the TOML firmware catalog: which firmware files
// exist, where they flash to, and which placeholder variables each one
// declares.
package config

import (
	"fmt"

	"github.com/lemio/ESP32-S3-Flasher/lib/patch"
)

func stringIfNotEmpty(prefix, val string) string {
	if len(val) > 0 {
		return fmt.Sprintf("%s %s\n", prefix, val)
	}
	return ""
}

// Variable is the catalog form of a placeholder declaration.
type Variable struct {
	Token     string `toml:"token"`
	Label     string `toml:"label,omitempty"`
	Default   string `toml:"default,omitempty"`
	MaxLength int    `toml:"max_length"`
	Suffix    string `toml:"suffix,omitempty"`
}

func (v *Variable) Patch() patch.Variable {
	return patch.Variable{
		Token:     v.Token,
		Label:     v.Label,
		Default:   v.Default,
		MaxLength: v.MaxLength,
		Suffix:    v.Suffix,
	}
}

// Firmware is one flashable image in the catalog. Data is loaded from
// DataFile, resolved relative to the catalog file.
type Firmware struct {
	Name        string      `toml:"name"`
	Description string      `toml:"description,omitempty"`
	Chip        string      `toml:"chip,omitempty"`
	DataFile    string      `toml:"data_file"`
	FlashOffset uint32      `toml:"flash_offset"`
	Variables   []*Variable `toml:"variable,omitempty"`
	Data        []byte      `toml:"-"`
}

func (fw *Firmware) String() string {
	var s string
	s += "Firmware:\n"
	s += stringIfNotEmpty("   Name:", fw.Name)
	s += stringIfNotEmpty("   Description:", fw.Description)
	s += stringIfNotEmpty("   Chip:", fw.Chip)
	s += stringIfNotEmpty("   DataFile:", fw.DataFile)
	s += fmt.Sprintf("   FlashOffset: 0x%x\n", fw.FlashOffset)
	if len(fw.Data) != 0 {
		s += fmt.Sprintf("   Size: %d (0x%x) bytes\n", len(fw.Data), len(fw.Data))
	}
	for _, v := range fw.Variables {
		s += fmt.Sprintf("   Variable %s:\n", v.Token)
		s += stringIfNotEmpty("      Label:", v.Label)
		s += stringIfNotEmpty("      Default:", v.Default)
		s += fmt.Sprintf("      MaxLength: %d\n", v.MaxLength)
		s += stringIfNotEmpty("      Suffix:", v.Suffix)
	}
	return s
}

// PatchVariables converts the declarations to what lib/patch consumes.
func (fw *Firmware) PatchVariables() []patch.Variable {
	vars := make([]patch.Variable, 0, len(fw.Variables))
	for _, v := range fw.Variables {
		vars = append(vars, v.Patch())
	}
	return vars
}

// Device is the serial endpoint the images get flashed through.
type Device struct {
	Name     string `toml:"name,omitempty"`
	Port     string `toml:"port,omitempty"`
	BaudRate int    `toml:"baud_rate,omitempty"`
}

func (d *Device) String() string {
	var s string
	s += "Device:\n"
	s += stringIfNotEmpty("   Name:", d.Name)
	s += stringIfNotEmpty("   Port:", d.Port)
	if d.BaudRate != 0 {
		s += fmt.Sprintf("   BaudRate: %d\n", d.BaudRate)
	}
	return s
}

type Catalog struct {
	Device    *Device     `toml:"device,omitempty"`
	Firmwares []*Firmware `toml:"firmware,omitempty"`
}

// Firmware looks an entry up by name. An empty name selects the only
// entry, if there is exactly one.
func (c *Catalog) Firmware(name string) *Firmware {
	if name == "" && len(c.Firmwares) == 1 {
		return c.Firmwares[0]
	}
	for _, fw := range c.Firmwares {
		if fw.Name == name {
			return fw
		}
	}
	return nil
}
