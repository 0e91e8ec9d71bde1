// Package hostinfo reads the host OS identity used for the host update
// target's projection and for status reporting.
package hostinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
)

// Info describes the running operating system.
type Info struct {
	Hostname  string `json:"hostname"`
	OSName    string `json:"osName"`
	OSVersion string `json:"osVersion"`
	Kernel    string `json:"kernel,omitempty"`
}

// Collect reads the OS identity from the running system.
func Collect() (*Info, error) {
	hi, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("read host info: %w", err)
	}
	return build(hi.Hostname, hi.Platform, hi.PlatformVersion, hi.KernelVersion), nil
}

// Uptime returns the host uptime in seconds, or 0 if unavailable.
func Uptime() uint64 {
	up, err := host.Uptime()
	if err != nil {
		return 0
	}
	return up
}

func build(hostname, platform, version, kernel string) *Info {
	name := platform
	if name == "" {
		name = "unknown"
	} else if version != "" {
		name = platform + " " + version
	}
	if version == "" {
		version = "unknown"
	}
	return &Info{
		Hostname:  hostname,
		OSName:    name,
		OSVersion: version,
		Kernel:    kernel,
	}
}
