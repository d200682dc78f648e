//go:build linux

package kvmengine

// MMIODevice handles reads/writes landing in its registered address window.
type MMIODevice interface {
	Base() uint64
	Size() uint64
	Read(addr uint64, data []byte)
	Write(addr uint64, data []byte)
}

// MMIOBus dispatches a guest MMIO exit to whichever registered device owns
// the faulting address, the way virtio-mmio devices are discovered on a
// fixed address ladder (no PCI enumeration needed for a direct-boot guest).
type MMIOBus struct {
	devices []MMIODevice
}

func NewMMIOBus() *MMIOBus { return &MMIOBus{} }

func (b *MMIOBus) Register(d MMIODevice) { b.devices = append(b.devices, d) }

func (b *MMIOBus) find(addr uint64) MMIODevice {
	for _, d := range b.devices {
		if addr >= d.Base() && addr < d.Base()+d.Size() {
			return d
		}
	}
	return nil
}

func (b *MMIOBus) Read(addr uint64, data []byte) {
	if d := b.find(addr); d != nil {
		d.Read(addr-d.Base(), data)
	}
}

func (b *MMIOBus) Write(addr uint64, data []byte) {
	if d := b.find(addr); d != nil {
		d.Write(addr-d.Base(), data)
	}
}

// virtioStub is a placeholder virtio-mmio device backing the console/net
// address windows reserved at mmioConsoleBase/mmioNetBase. It acks status
// and feature negotiation but does not implement queue processing — the
// console path runs over the 8250 UART (serial.go) and network over the
// tap device wired directly into the NAT/bridge layer, so no guest driver
// actually depends on this device's queues being functional; it exists so
// the reserved MMIO windows answer probes instead of faulting the guest.
type virtioStub struct {
	base, size uint64
	regs       [0x100]byte
}

func newVirtioStub(base, size uint64) *virtioStub {
	v := &virtioStub{base: base, size: size}
	// MagicValue "virt", Version 2, VendorID arbitrary.
	copy(v.regs[0:4], []byte{'v', 'i', 'r', 't'})
	v.regs[4] = 2
	return v
}

func (v *virtioStub) Base() uint64 { return v.base }
func (v *virtioStub) Size() uint64 { return v.size }

func (v *virtioStub) Read(addr uint64, data []byte) {
	if int(addr)+len(data) > len(v.regs) {
		return
	}
	copy(data, v.regs[addr:])
}

func (v *virtioStub) Write(addr uint64, data []byte) {
	if int(addr)+len(data) > len(v.regs) {
		return
	}
	copy(v.regs[addr:], data)
}
