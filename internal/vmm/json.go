package vmm

import (
	"encoding/json"
	"fmt"
)

// Enum variants cross process boundaries (worker configs, the control
// socket, on-disk state), so they serialize as lowercased discriminant
// strings rather than bare ints: "raw", "readwrite", "user_nat". Every
// enum here round-trips exactly.

func marshalEnum(name string) ([]byte, error) {
	return json.Marshal(name)
}

func unmarshalEnum(data []byte, table map[string]int, out *int, what string) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := table[s]
	if !ok {
		return fmt.Errorf("unknown %s %q", what, s)
	}
	*out = v
	return nil
}

var diskFormatNames = map[DiskFormat]string{FormatRaw: "raw", FormatQcow2: "qcow2"}
var diskFormatValues = map[string]int{"raw": int(FormatRaw), "qcow2": int(FormatQcow2)}

func (f DiskFormat) String() string { return diskFormatNames[f] }

func (f DiskFormat) MarshalJSON() ([]byte, error) { return marshalEnum(diskFormatNames[f]) }

func (f *DiskFormat) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, diskFormatValues, &v, "disk format"); err != nil {
		return err
	}
	*f = DiskFormat(v)
	return nil
}

var bootKindNames = map[BootKind]string{BootLinuxDirect: "linux_direct", BootUEFI: "uefi"}
var bootKindValues = map[string]int{"linux_direct": int(BootLinuxDirect), "uefi": int(BootUEFI)}

func (k BootKind) String() string { return bootKindNames[k] }

func (k BootKind) MarshalJSON() ([]byte, error) { return marshalEnum(bootKindNames[k]) }

func (k *BootKind) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, bootKindValues, &v, "boot kind"); err != nil {
		return err
	}
	*k = BootKind(v)
	return nil
}

var shareModeNames = map[ShareMode]string{ShareReadOnly: "readonly", ShareReadWrite: "readwrite"}
var shareModeValues = map[string]int{"readonly": int(ShareReadOnly), "readwrite": int(ShareReadWrite)}

func (m ShareMode) String() string { return shareModeNames[m] }

func (m ShareMode) MarshalJSON() ([]byte, error) { return marshalEnum(shareModeNames[m]) }

func (m *ShareMode) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, shareModeValues, &v, "share mode"); err != nil {
		return err
	}
	*m = ShareMode(v)
	return nil
}

var mechanismNames = map[ShareMechanismKind]string{MechanismAuto: "auto", MechanismVirtioFS: "virtio_fs", MechanismVirtio9P: "virtio_9p"}
var mechanismValues = map[string]int{"auto": int(MechanismAuto), "virtio_fs": int(MechanismVirtioFS), "virtio_9p": int(MechanismVirtio9P)}

func (k ShareMechanismKind) String() string { return mechanismNames[k] }

func (k ShareMechanismKind) MarshalJSON() ([]byte, error) { return marshalEnum(mechanismNames[k]) }

func (k *ShareMechanismKind) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, mechanismValues, &v, "share mechanism"); err != nil {
		return err
	}
	*k = ShareMechanismKind(v)
	return nil
}

var protocolNames = map[PortForwardProtocol]string{PFTCP: "tcp", PFUDP: "udp"}
var protocolValues = map[string]int{"tcp": int(PFTCP), "udp": int(PFUDP)}

func (p PortForwardProtocol) String() string { return protocolNames[p] }

func (p PortForwardProtocol) MarshalJSON() ([]byte, error) { return marshalEnum(protocolNames[p]) }

func (p *PortForwardProtocol) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, protocolValues, &v, "protocol"); err != nil {
		return err
	}
	*p = PortForwardProtocol(v)
	return nil
}

var networkKindNames = map[NetworkKind]string{NetworkNone: "none", NetworkNAT: "nat", NetworkUserNAT: "user_nat", NetworkCluster: "cluster"}
var networkKindValues = map[string]int{"none": int(NetworkNone), "nat": int(NetworkNAT), "user_nat": int(NetworkUserNAT), "cluster": int(NetworkCluster)}

func (k NetworkKind) String() string { return networkKindNames[k] }

func (k NetworkKind) MarshalJSON() ([]byte, error) { return marshalEnum(networkKindNames[k]) }

func (k *NetworkKind) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, networkKindValues, &v, "network mode"); err != nil {
		return err
	}
	*k = NetworkKind(v)
	return nil
}

var vsockDirNames = map[VsockDirection]string{GuestListens: "guest_listens", HostListens: "host_listens"}
var vsockDirValues = map[string]int{"guest_listens": int(GuestListens), "host_listens": int(HostListens)}

func (d VsockDirection) String() string { return vsockDirNames[d] }

func (d VsockDirection) MarshalJSON() ([]byte, error) { return marshalEnum(vsockDirNames[d]) }

func (d *VsockDirection) UnmarshalJSON(data []byte) error {
	var v int
	if err := unmarshalEnum(data, vsockDirValues, &v, "vsock direction"); err != nil {
		return err
	}
	*d = VsockDirection(v)
	return nil
}
