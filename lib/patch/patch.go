// SPDX-License-Identifier: MIT
// Package patch overwrites placeholder regions inside a firmware image
// and re-signs the result.
//
// A placeholder is a literal token (e.g. "|*SSID*|") compiled into the
// firmware at the start of a fixed-size, zero-padded region. Substitution
// writes the user's value, a terminating NUL and zero fill over the whole
// region, so stale bytes from a longer previous value can't survive.
package patch

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/usedbytes/log"

	"github.com/lemio/ESP32-S3-Flasher/lib/image"
)

// Variable describes one placeholder: the on-disk token, how to present
// it to the user, and the size of the padded region it owns.
type Variable struct {
	Token     string
	Label     string
	Default   string
	MaxLength int
	Suffix    string
}

// ValueFunc supplies the user-entered value for a token. ok == false
// means "no value entered", in which case the variable's default is used.
type ValueFunc func(token string) (value string, ok bool)

// NoValues is a ValueFunc for callers that only want defaults.
func NoValues(string) (string, bool) { return "", false }

// Warning records a non-fatal condition met during substitution. Missing
// tokens and truncated values must not abort the run - firmware built
// without some feature simply lacks its tokens.
type Warning struct {
	Token   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Token, w.Message)
}

// render builds the exact MaxLength bytes that replace a region: value,
// NUL terminator, zero fill. Reports whether the value had to be cut to
// fit.
func (v *Variable) render(value string) ([]byte, bool) {
	out := make([]byte, v.MaxLength)
	truncated := len(value)+1 > v.MaxLength
	copy(out, value)
	return out, truncated
}

// Substitute replaces every occurrence of each variable's token in buf
// and, if anything actually changed, re-signs the image. buf itself is
// never modified; when no byte changes it is returned as-is so repeated
// runs with unchanged values stay byte-identical.
func Substitute(buf []byte, vars []Variable, values ValueFunc) ([]byte, []Warning, error) {
	out := append([]byte(nil), buf...)

	var warnings []Warning
	changed := false

	for i := range vars {
		v := &vars[i]

		if v.MaxLength <= 0 {
			warnings = append(warnings, Warning{v.Token, "variable has no region size, skipped"})
			continue
		}

		value, ok := values(v.Token)
		if !ok {
			value = v.Default
		}

		repl, truncated := v.render(value)
		token := []byte(v.Token)

		found := false
		for pos := 0; pos < len(out); {
			idx := bytes.Index(out[pos:], token)
			if idx < 0 {
				break
			}
			start := pos + idx
			found = true

			end := start + v.MaxLength
			if end > len(out) {
				warnings = append(warnings, Warning{v.Token,
					fmt.Sprintf("region at offset 0x%x runs past the end of the image", start)})
				end = len(out)
			}

			if !bytes.Equal(out[start:end], repl[:end-start]) {
				copy(out[start:end], repl)
				changed = true
				log.Verbosef("%s: wrote %d byte region at offset 0x%x\n", v.Token, end-start, start)
			} else {
				log.Verbosef("%s: region at offset 0x%x already up to date\n", v.Token, start)
			}

			// Resume after the full region, not after the token. The
			// zero fill must never be rescanned for matches.
			pos = start + v.MaxLength
		}

		if !found {
			warnings = append(warnings, Warning{v.Token, "token not found in image"})
			continue
		}
		if truncated {
			warnings = append(warnings, Warning{v.Token,
				fmt.Sprintf("value cut to %d bytes to fit the region", v.MaxLength)})
		}
	}

	if !changed {
		log.Verboseln("No regions changed, image untouched")
		return buf, warnings, nil
	}

	resigned, err := image.Resign(out)
	if err != nil {
		return nil, warnings, errors.Wrap(err, "re-signing patched image")
	}

	return resigned, warnings, nil
}
