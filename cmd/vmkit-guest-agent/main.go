// vmkit-guest-agent runs inside the guest and serves the host's agent RPCs
// over vsock: exec, file transfer, system info, shutdown.
//
// Build: GOOS=linux CGO_ENABLED=0 go build -o vmkit-guest-agent ./cmd/vmkit-guest-agent
package main

import "github.com/xfeldman/vmkit/internal/guestagent"

func main() {
	guestagent.Run()
}
