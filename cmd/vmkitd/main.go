// vmkitd is the VM daemon: it owns the hypervisor backend for this host
// and serves the handle-service control socket that clients (the library,
// pools, remote backends) drive VMs through.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/xfeldman/vmkit/internal/applevz"
	"github.com/xfeldman/vmkit/internal/config"
	"github.com/xfeldman/vmkit/internal/handleservice"
	"github.com/xfeldman/vmkit/internal/kvmengine"
	"github.com/xfeldman/vmkit/internal/registry"
	"github.com/xfeldman/vmkit/internal/version"
	"github.com/xfeldman/vmkit/internal/vmm"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("vmkitd", version.Version())
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := run(); err != nil {
		log.Fatalf("vmkitd: %v", err)
	}
}

func run() error {
	platform, err := config.DetectPlatform()
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}
	cfg.ResolveBinaries()

	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	alloc, err := registry.NewHandleAllocator(db)
	if err != nil {
		return fmt.Errorf("handle allocator: %w", err)
	}

	// A previous daemon may have died with VMs outstanding; their leases
	// are stale now that the processes are gone.
	if leases, err := db.OutstandingLeases(); err == nil {
		for _, l := range leases {
			log.Printf("releasing stale lease for handle %d", l.HandleID)
			db.ReleaseLease(l.HandleID)
		}
	}
	vmm.ReapOrphanGvproxies(filepath.Join(cfg.DataDir, "sockets"))
	if platform.OS == "linux" {
		kvmengine.CleanupOrphaned("vmk")
	}

	backend, err := selectBackend(cfg, platform)
	if err != nil {
		return err
	}
	log.Printf("vmkitd %s on %s/%s using backend %s", version.Version(), platform.OS, platform.Arch, backend.Name())

	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)

	srv := handleservice.NewServer(backend, alloc, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	err = srv.Serve(ctx, ln)
	srv.KillAll(context.Background())
	return err
}

// selectBackend builds the ordered candidate list for the detected
// platform and returns the first available backend.
func selectBackend(cfg *config.Config, platform *config.Platform) (vmm.HypervisorBackend, error) {
	var candidates []vmm.HypervisorBackend
	switch platform.Backend {
	case "applevz":
		candidates = append(candidates,
			applevz.New(cfg.VzDaemonSocketPath, cfg.VsockSocketDir),
			vmm.NewSubprocessBackend(cfg),
		)
	case "kvm":
		candidates = append(candidates, kvmengine.NewBackend())
	}
	return vmm.SelectBackend(candidates)
}
