//go:build linux

package guestagent

import (
	"bufio"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/vmkit/internal/agentrpc"
)

func systemInfo() (*agentrpc.SystemInfo, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	var si unix.Sysinfo_t
	var memBytes uint64
	if err := unix.Sysinfo(&si); err == nil {
		memBytes = uint64(si.Totalram) * uint64(si.Unit)
	}

	return &agentrpc.SystemInfo{
		KernelVersion: cString(uts.Release[:]),
		Hostname:      hostname,
		CPUs:          runtime.NumCPU(),
		MemoryBytes:   memBytes,
		Mounts:        readMounts(),
	}, nil
}

// readMounts parses /proc/mounts into {device, mountpoint, fstype} records.
func readMounts() []agentrpc.MountInfo {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil
	}
	defer f.Close()

	var mounts []agentrpc.MountInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, agentrpc.MountInfo{
			Device:     fields[0],
			Mountpoint: fields[1],
			FSType:     fields[2],
		})
	}
	return mounts
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// powerOff asks the kernel to power down. The agent usually runs as PID 1
// (or under an init that forwards the syscall), so this ends the VM.
func powerOff() {
	unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}
