package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/xfeldman/vmkit/internal/config"
	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// WorkerConfig is the JSON configuration handed to the subprocess
// hypervisor worker via an environment variable.
type WorkerConfig struct {
	RootfsPath    string   `json:"rootfs_path"`
	MemoryMB      int      `json:"memory_mb"`
	VCPUs         int      `json:"vcpus"`
	KernelCmdline string   `json:"kernel_cmdline,omitempty"`
	MappedVolumes []string `json:"mapped_volumes,omitempty"`

	NetworkMode string              `json:"network_mode,omitempty"`
	NetSocket   string              `json:"net_socket,omitempty"`
	VsockPort   int                 `json:"vsock_port,omitempty"`
	ExposePorts []WorkerPortForward `json:"expose_ports,omitempty"`
	SocketDir   string              `json:"socket_dir,omitempty"`
}

// WorkerPortForward describes one host->guest port forward set up before
// the worker process boots the VM.
type WorkerPortForward struct {
	HostPort  int `json:"host_port"`
	GuestPort int `json:"guest_port"`
}

const agentVsockPort = 52

// Pre-numbered fds inherited by the worker process: the worker finds its
// console socket on fd 3 and its cluster network socket on fd 4. Both slots
// are always populated (with /dev/null when unused) so the numbering never
// shifts; the worker probes each with a null control op before adopting it.
const (
	workerConsoleFd = 3
	workerClusterFd = 4
)

type subprocessInstance struct {
	cmd         *exec.Cmd
	sockDir     string
	done        chan struct{}
	exit        int
	exitErr     error
	ch          ControlChannel
	consoleHost *os.File // host end of the console socketpair, nil if console disabled
	gv          *gvproxyInstance
}

// SubprocessBackend launches each VM in its own worker process that embeds
// the hypervisor library, speaking ControlChannel back to this process over
// a Unix socket. Crash isolation per VM comes free: a wedged hypervisor
// takes down one worker, not the daemon.
type SubprocessBackend struct {
	mu        sync.Mutex
	instances map[string]*subprocessInstance
	workerBin string
	cfg       *config.Config
}

// NewSubprocessBackend picks the worker binary path and returns a backend.
// Whether the binary exists is checked lazily by IsAvailable, not here, so
// construction never fails at daemon startup.
func NewSubprocessBackend(cfg *config.Config) *SubprocessBackend {
	workerBin := cfg.WorkerBin
	if workerBin == "" {
		workerBin = filepath.Join(cfg.BinDir, "vmkit-vmm-worker")
	}
	return &SubprocessBackend{
		instances: make(map[string]*subprocessInstance),
		workerBin: workerBin,
		cfg:       cfg,
	}
}

func (s *SubprocessBackend) Name() string             { return "subprocess" }
func (s *SubprocessBackend) Platform() HostPlatform    { return PlatformDarwin }
func (s *SubprocessBackend) DefaultRootDevice() string { return "" } // worker owns its own root mount

func (s *SubprocessBackend) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		GuestOSLinux:    true,
		BootLinuxDirect: true,
		ImageRaw:        true,
		NetworkNone:     true,
		NetworkNAT:      true,
		NetworkUserNAT:  true,
		ShareVirtioFS:   true,
		DeviceVsock:     true,
	}
}

func (s *SubprocessBackend) KernelCmdlineDefaults() *KernelCmdline {
	return NewKernelCmdline().Console("hvc0").Arg("reboot", "t").Arg("panic", "-1")
}

func (s *SubprocessBackend) IsAvailable() bool {
	if s.Platform() != CurrentPlatform() {
		return false
	}
	_, err := os.Stat(s.workerBin)
	return err == nil
}

func (s *SubprocessBackend) Start(ctx context.Context, cfg VmConfig) (BackendVmHandle, error) {
	if !s.IsAvailable() {
		return nil, vmkiterr.BackendUnavailable(s.Name(), "worker binary not found")
	}
	if err := ValidateConfig(cfg, s.Capabilities()); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("vm-%d", time.Now().UnixNano())
	sockDir := filepath.Join(s.cfg.DataDir, "sockets")
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return nil, vmkiterr.Wrap(vmkiterr.KindIO, err, "create socket dir")
	}

	var mappedVolumes []string
	for _, sh := range cfg.Shares {
		tag := sh.Mechanism.Tag
		if tag == "" {
			tag = filepath.Base(sh.GuestPath)
		}
		mappedVolumes = append(mappedVolumes, tag+":"+sh.HostPath)
	}

	networkMode := "gvproxy"
	if cfg.Network.Kind == NetworkNone {
		networkMode = "none"
	} else if cfg.Network.Kind == NetworkCluster {
		networkMode = "cluster"
	}

	wc := WorkerConfig{
		RootfsPath:    cfg.RootDisk.Path,
		MemoryMB:      cfg.Resources.MemoryMB,
		VCPUs:         cfg.Resources.CPUs,
		KernelCmdline: cfg.Boot.Cmdline,
		MappedVolumes: mappedVolumes,
		NetworkMode:   networkMode,
		VsockPort:     agentVsockPort,
		SocketDir:     sockDir,
	}
	for _, pf := range cfg.Network.UserNat.PortForwards {
		wc.ExposePorts = append(wc.ExposePorts, WorkerPortForward{HostPort: pf.HostPort, GuestPort: pf.GuestPort})
	}

	// gvproxy carries the worker's virtio-net data plane and host-side DNAT
	// for both plain NAT and user NAT modes.
	var gv *gvproxyInstance
	if networkMode == "gvproxy" {
		gvBin := s.cfg.GvproxyBin
		if gvBin == "" {
			gvBin = config.FindBinary("gvproxy", s.cfg.BinDir)
		}
		if gvBin == "" {
			return nil, vmkiterr.BackendUnavailable(s.Name(), "gvproxy binary not found")
		}
		var err error
		gv, err = startGvproxy(gvBin, id, sockDir)
		if err != nil {
			return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "start gvproxy")
		}
		wc.NetSocket = gv.netSocket
		for _, pf := range wc.ExposePorts {
			if err := gv.ExposePort(pf.HostPort, pf.GuestPort); err != nil {
				gv.Stop()
				return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "expose forwarded port")
			}
		}
	}
	cleanupNet := func() {
		if gv != nil {
			gv.Stop()
		}
	}

	ctlSocketPath := filepath.Join(sockDir, fmt.Sprintf("ctl-%s.sock", id))
	os.Remove(ctlSocketPath)
	ln, err := net.Listen("unix", ctlSocketPath)
	if err != nil {
		cleanupNet()
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "listen for worker control channel")
	}

	wcJSON, err := json.Marshal(wc)
	if err != nil {
		ln.Close()
		cleanupNet()
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "marshal worker config")
	}

	// The worker inherits its console on fd 3 and cluster network on fd 4.
	// Unused slots carry /dev/null so the numbering never shifts.
	var extraFiles []*os.File
	var consoleHost, consoleChild *os.File
	closeExtras := func() {
		for _, f := range extraFiles {
			f.Close()
		}
		if consoleHost != nil {
			consoleHost.Close()
		}
	}

	if cfg.ConsoleEnabled {
		pair, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			ln.Close()
			cleanupNet()
			return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "create console socketpair")
		}
		consoleHost = os.NewFile(uintptr(pair[0]), "console-host")
		consoleChild = os.NewFile(uintptr(pair[1]), "console-child")
		extraFiles = append(extraFiles, consoleChild)
	} else {
		null, err := os.Open(os.DevNull)
		if err != nil {
			ln.Close()
			cleanupNet()
			return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "open placeholder fd")
		}
		extraFiles = append(extraFiles, null)
	}

	if cfg.Network.Kind == NetworkCluster && cfg.ClusterNetworkFd > 0 {
		if !probeFd(uintptr(cfg.ClusterNetworkFd)) {
			ln.Close()
			closeExtras()
			cleanupNet()
			return nil, vmkiterr.New(vmkiterr.KindInvalidConfig, "cluster network fd failed probe")
		}
		extraFiles = append(extraFiles, os.NewFile(uintptr(cfg.ClusterNetworkFd), "cluster-net"))
	} else {
		null, err := os.Open(os.DevNull)
		if err != nil {
			ln.Close()
			closeExtras()
			cleanupNet()
			return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "open placeholder fd")
		}
		extraFiles = append(extraFiles, null)
	}

	cmd := exec.Command(s.workerBin)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles
	cmd.Env = append(os.Environ(),
		"VMKIT_WORKER_CONFIG="+string(wcJSON),
		"DYLD_FALLBACK_LIBRARY_PATH=/opt/homebrew/lib:/usr/local/lib:/usr/lib",
	)
	if err := cmd.Start(); err != nil {
		ln.Close()
		closeExtras()
		cleanupNet()
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "start vmm worker process")
	}
	// The child owns its inherited ends now.
	for _, f := range extraFiles {
		f.Close()
	}

	inst := &subprocessInstance{cmd: cmd, sockDir: sockDir, done: make(chan struct{}), consoleHost: consoleHost, gv: gv}
	go func() {
		err := cmd.Wait()
		inst.exit = cmd.ProcessState.ExitCode()
		inst.exitErr = err
		close(inst.done)
	}()

	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetDeadline(time.Now().Add(90 * time.Second))
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		cmd.Process.Kill()
		if consoleHost != nil {
			consoleHost.Close()
		}
		cleanupNet()
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "worker did not connect within 90s")
	}
	inst.ch = NewNetControlChannel(conn)

	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	return &subprocessHandle{backend: s, id: id, inst: inst}, nil
}

type subprocessHandle struct {
	backend *SubprocessBackend
	id      string
	inst    *subprocessInstance
}

func (h *subprocessHandle) IsRunning(ctx context.Context) bool {
	select {
	case <-h.inst.done:
		return false
	default:
		return true
	}
}

func (h *subprocessHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.inst.done:
		return h.inst.exit, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *subprocessHandle) Shutdown(ctx context.Context) error {
	if h.inst.cmd.Process == nil {
		return vmkiterr.ErrNotRunning
	}
	return h.inst.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *subprocessHandle) Kill(ctx context.Context) error {
	if h.inst.cmd.Process == nil {
		return nil
	}
	if err := h.inst.cmd.Process.Kill(); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindHypervisor, err, "kill worker process")
	}
	<-h.inst.done

	h.backend.mu.Lock()
	delete(h.backend.instances, h.id)
	h.backend.mu.Unlock()

	ctlSocket := filepath.Join(h.inst.sockDir, fmt.Sprintf("ctl-%s.sock", h.id))
	os.Remove(ctlSocket)
	if h.inst.consoleHost != nil {
		h.inst.consoleHost.Close()
	}
	if h.inst.gv != nil {
		h.inst.gv.Stop()
	}
	return nil
}

func (h *subprocessHandle) ConsoleStream(ctx context.Context) (ConsoleStream, error) {
	if h.inst.consoleHost == nil {
		return nil, vmkiterr.ErrConsoleNotEnabled
	}
	return h.inst.consoleHost, nil
}

// probeFd verifies an inherited fd is actually open with a null control op
// before adopting it.
func probeFd(fd uintptr) bool {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0)
	return errno == 0
}

// Pause/Resume are backend-specific extensions beyond the common
// BackendVmHandle contract (they retain RAM via SIGSTOP/SIGCONT, which only
// this backend supports); callers type-assert for them.
func (h *subprocessHandle) Pause() error {
	return h.inst.cmd.Process.Signal(syscall.SIGSTOP)
}

func (h *subprocessHandle) Resume() error {
	return h.inst.cmd.Process.Signal(syscall.SIGCONT)
}
