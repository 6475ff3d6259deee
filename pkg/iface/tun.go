package iface

import (
	"fmt"
	"io"

	"github.com/songgao/water"
)

// OpenTUN creates a TUN device and returns it with its kernel name.
func OpenTUN(name string) (io.ReadWriteCloser, string, error) {
	cfg := water.Config{DeviceType: water.TUN}
	setTUNName(&cfg, name)
	dev, err := water.New(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("tun %s: %w", name, err)
	}
	return dev, dev.Name(), nil
}
