// SPDX-License-Identifier: MIT
package config

import (
	"io/ioutil"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/usedbytes/log"
)

// LoadData reads the firmware binary named by DataFile. Paths are
// resolved against dir so the catalog can sit next to its images.
func (fw *Firmware) LoadData(dir string) error {
	if len(fw.DataFile) == 0 {
		return errors.Errorf("firmware '%s' has no data_file", fw.Name)
	}

	path := fw.DataFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading firmware '%s'", fw.Name)
	}
	fw.Data = data

	log.Verbosef("Loaded %s: %d bytes\n", path, len(data))

	return nil
}

// LoadCatalog decodes a catalog file and pulls in every referenced
// firmware image. A missing image is fatal - flashing half a catalog is
// worse than flashing nothing.
func LoadCatalog(filename string) (*Catalog, error) {
	var cat Catalog
	_, err := toml.DecodeFile(filename, &cat)
	if err != nil {
		return nil, errors.Wrap(err, "parsing catalog")
	}

	dir := filepath.Dir(filename)
	for _, fw := range cat.Firmwares {
		err := fw.LoadData(dir)
		if err != nil {
			return nil, err
		}
	}

	return &cat, nil
}
