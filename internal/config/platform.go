package config

import (
	"fmt"
	"runtime"
)

// Platform describes the detected host and the backend family tried first
// on it. The candidate order handed to backend selection starts from this.
type Platform struct {
	OS   string // "darwin" or "linux"
	Arch string // "arm64" or "amd64"

	// Backend is the preferred hypervisor driver family for this host:
	// "applevz" (macOS) or "kvm" (Linux x86-64).
	Backend string
}

// DetectPlatform detects the host platform and picks the preferred backend.
func DetectPlatform() (*Platform, error) {
	p := &Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	switch {
	case p.OS == "darwin":
		p.Backend = "applevz"
	case p.OS == "linux" && p.Arch == "amd64":
		p.Backend = "kvm"
	default:
		return nil, fmt.Errorf(
			"unsupported platform: %s/%s. vmkit requires macOS or Linux x86-64",
			p.OS, p.Arch,
		)
	}

	return p, nil
}
