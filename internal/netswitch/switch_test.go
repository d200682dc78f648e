package netswitch

import (
	"fmt"
	"testing"
	"time"
)

func TestBroadcastReachesOtherPortsNotOrigin(t *testing.T) {
	name := fmt.Sprintf("test-switch-%d", time.Now().UnixNano())
	sw := GetOrCreate(name)

	a := sw.CreatePort()
	b := sw.CreatePort()
	c := sw.CreatePort()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	frame := []byte("hello")
	a.Send(frame)

	select {
	case got := <-b.Recv():
		if string(got) != "hello" {
			t.Fatalf("port b got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("port b never received broadcast frame")
	}

	select {
	case got := <-c.Recv():
		if string(got) != "hello" {
			t.Fatalf("port c got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("port c never received broadcast frame")
	}

	select {
	case got := <-a.Recv():
		t.Fatalf("origin port should never receive its own frame, got %q", got)
	case <-time.After(50 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestSwitchDestroyedWhenLastPortCloses(t *testing.T) {
	name := fmt.Sprintf("test-switch-empty-%d", time.Now().UnixNano())
	sw := GetOrCreate(name)
	p := sw.CreatePort()
	p.Close()

	sw2 := GetOrCreate(name)
	if sw == sw2 {
		t.Fatal("expected a fresh switch after last port closed")
	}
}

func TestSlowConsumerDropsWithoutBlockingOthers(t *testing.T) {
	name := fmt.Sprintf("test-switch-slow-%d", time.Now().UnixNano())
	sw := GetOrCreate(name)
	slow := sw.CreatePort()
	fast := sw.CreatePort()
	defer slow.Close()
	defer fast.Close()

	origin := sw.CreatePort()
	defer origin.Close()

	for i := 0; i < portChanCapacity+10; i++ {
		origin.Send([]byte{byte(i)})
	}

	select {
	case <-fast.Recv():
	case <-time.After(time.Second):
		t.Fatal("fast consumer starved by slow consumer backlog")
	}
}
