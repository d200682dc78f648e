// Package guestagent implements the in-guest agent that runs inside vmkit
// VMs and answers host RPCs over vsock: ping, exec, file transfer, system
// info and shutdown. The agent binds the well-known agent port and serves
// each connection's requests concurrently; responses on one connection are
// serialized by a per-connection write lock.
//
// Build: GOOS=linux CGO_ENABLED=0 go build -o vmkit-guest-agent ./cmd/vmkit-guest-agent
package guestagent

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
)

// AgentPort is the vsock port the guest agent listens on.
const AgentPort = 52

// Run starts the agent: binds the vsock listener and serves until ctx is
// cancelled, a shutdown RPC arrives, or SIGTERM is delivered.
func Run() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("vmkit-guest-agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	ln, err := vsock.Listen(AgentPort, nil)
	if err != nil {
		log.Fatalf("listen vsock port %d: %v", AgentPort, err)
	}
	defer ln.Close()
	log.Printf("listening on vsock port %d", AgentPort)

	if err := Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("guest agent shutting down")
}

// Serve accepts connections from ln until ctx is cancelled. Exported
// separately from Run so tests can drive the agent over an in-memory
// listener instead of a real vsock device.
func Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, conn)
	}
}
