package guestagent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/vmkit/internal/agentrpc"
)

// startTestAgent serves the agent over a unix socket and returns a connected
// client, standing in for the vsock transport a real guest uses.
func startTestAgent(t *testing.T) *agentrpc.Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Serve(ctx, ln)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := agentrpc.NewClient(conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPing(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Call(ctx, agentrpc.MethodPing, nil, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestExec(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Exec(ctx, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestExecEnv(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Exec(ctx, []string{"sh", "-c", "echo $GREETING"}, map[string]string{"GREETING": "hello"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestFileRoundTrip(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "data.bin")
	payload := []byte{0x00, 0x01, 0xff, '\n', 0x7f}

	if err := c.WriteFile(ctx, path, payload, 0600); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	got, err := c.ReadFile(ctx, path)
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %v != %v", got, payload)
	}

	ok, err := c.Exists(ctx, path)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	ok, err = c.Exists(ctx, path+".missing")
	if err != nil || ok {
		t.Fatalf("exists on missing path = %v, %v", ok, err)
	}
}

func TestListDir(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0644)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)

	entries, err := c.ListDir(ctx, dir)
	if err != nil {
		t.Fatalf("list_dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	byName := map[string]agentrpc.DirEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e := byName["a.txt"]; e.IsDir || e.Size != 3 {
		t.Errorf("a.txt entry = %+v", e)
	}
	if e := byName["sub"]; !e.IsDir {
		t.Errorf("sub entry = %+v", e)
	}
}

func TestReadFileError(t *testing.T) {
	c := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.ReadFile(ctx, "/definitely/not/here"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
