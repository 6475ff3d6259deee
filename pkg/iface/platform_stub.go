//go:build !linux

package iface

import "net/netip"

type stubPlatform struct{}

// NewPlatform returns the platform for this OS.
func NewPlatform() Platform {
	return stubPlatform{}
}

func (stubPlatform) SetMTU(string, int) error                       { return ErrNotSupported }
func (stubPlatform) SetUp(string) error                             { return ErrNotSupported }
func (stubPlatform) SetDown(string) error                           { return ErrNotSupported }
func (stubPlatform) AddAddr(string, netip.Prefix, netip.Addr) error { return ErrNotSupported }
func (stubPlatform) DelAddr(string, netip.Prefix) error             { return ErrNotSupported }
