//go:build linux

package iface

import "github.com/songgao/water"

func setTUNName(cfg *water.Config, name string) {
	cfg.Name = name
}
