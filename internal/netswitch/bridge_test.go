package netswitch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestTwoVMsExchangeFramesThroughSwitch joins two simulated VMs to the same
// named switch and checks a frame written on one guest end comes out the
// other, which is the data path a cluster ping rides.
func TestTwoVMsExchangeFramesThroughSwitch(t *testing.T) {
	name := fmt.Sprintf("test-cluster-%d", time.Now().UnixNano())

	portA, guestA, bridgeA, err := AttachVM(name)
	if err != nil {
		t.Fatalf("attach A: %v", err)
	}
	defer portA.Close()
	defer unix.Close(guestA)

	portB, guestB, bridgeB, err := AttachVM(name)
	if err != nil {
		t.Fatalf("attach B: %v", err)
	}
	defer portB.Close()
	defer unix.Close(guestB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridgeA.Run(ctx)
	go bridgeB.Run(ctx)

	frame := []byte("icmp-echo-request-stand-in")
	if _, err := unix.Write(guestA, frame); err != nil {
		t.Fatalf("write on guest A: %v", err)
	}

	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := unix.SetNonblock(guestB, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
		n, err := unix.Read(guestB, buf)
		if err == nil {
			if string(buf[:n]) != string(frame) {
				t.Fatalf("guest B received %q", buf[:n])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never arrived at guest B")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridgeDropsOversizedFrames(t *testing.T) {
	name := fmt.Sprintf("test-oversize-%d", time.Now().UnixNano())
	sw := GetOrCreate(name)
	origin := sw.CreatePort()
	peer := sw.CreatePort()
	defer origin.Close()
	defer peer.Close()

	origin.Send(make([]byte, MaxFrameSize+1))
	select {
	case got := <-peer.Recv():
		t.Fatalf("oversized frame was forwarded (%d bytes)", len(got))
	case <-time.After(50 * time.Millisecond):
	}
}
