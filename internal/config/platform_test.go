package config

import (
	"runtime"
	"testing"
)

func TestDetectPlatformOnSupportedHosts(t *testing.T) {
	p, err := DetectPlatform()
	switch {
	case runtime.GOOS == "darwin":
		if err != nil {
			t.Fatalf("DetectPlatform: %v", err)
		}
		if p.Backend != "applevz" {
			t.Fatalf("backend = %q, want applevz", p.Backend)
		}
	case runtime.GOOS == "linux" && runtime.GOARCH == "amd64":
		if err != nil {
			t.Fatalf("DetectPlatform: %v", err)
		}
		if p.Backend != "kvm" {
			t.Fatalf("backend = %q, want kvm", p.Backend)
		}
	default:
		if err == nil {
			t.Fatalf("expected unsupported-platform error, got %+v", p)
		}
	}
}
