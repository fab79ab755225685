// Package config reads the optional board configuration file: pin
// counts and extra kernel parameters a test board needs beyond the
// command-line defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Board describes the emulated board.
type Board struct {
	// NGPIO is the pin count exposed in the virtio-gpio config space.
	NGPIO uint16 `yaml:"ngpio,omitempty"`

	// PCIDeviceID overrides the virtio device id used for the
	// platform socket on the UML command line. It must match the
	// kernel's CONFIG_UML_PCI_OVER_VIRTIO_DEVICE_ID.
	PCIDeviceID int `yaml:"pciDeviceID,omitempty"`

	// UMLArgs are appended to the UML command line after the
	// generated virtio_uml.device parameters.
	UMLArgs []string `yaml:"umlArgs,omitempty"`
}

func (b *Board) normalize() {
	if b.NGPIO == 0 {
		b.NGPIO = 32
	}
	if b.PCIDeviceID == 0 {
		b.PCIDeviceID = 1234
	}
}

// Default returns the board used when no config file is given.
func Default() *Board {
	b := &Board{}
	b.normalize()
	return b
}

// Load reads a board config file.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	b.normalize()
	return &b, nil
}
