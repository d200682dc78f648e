//go:build !linux

package guestagent

import (
	"fmt"

	"github.com/xfeldman/vmkit/internal/agentrpc"
)

func systemInfo() (*agentrpc.SystemInfo, error) {
	return nil, fmt.Errorf("system info only available inside a Linux guest")
}

func powerOff() {}
