package guestagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/xfeldman/vmkit/internal/agentrpc"
)

// serveConn reads framed requests off one connection and dispatches each in
// its own goroutine; writeMu serializes the framed responses.
func serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	reply := func(msg agentrpc.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := agentrpc.WriteFrame(conn, data); err != nil {
			log.Printf("write response: %v", err)
		}
	}

	for {
		frame, err := agentrpc.ReadFrame(conn)
		if err != nil {
			return
		}
		var req agentrpc.Message
		if err := json.Unmarshal(frame, &req); err != nil {
			log.Printf("invalid request frame: %v", err)
			continue
		}
		go func(req agentrpc.Message) {
			resp := dispatch(ctx, req)
			resp.ID = req.ID
			reply(resp)
		}(req)
	}
}

func dispatch(ctx context.Context, req agentrpc.Message) agentrpc.Message {
	switch req.Method {
	case agentrpc.MethodPing:
		return okResult(nil)

	case agentrpc.MethodExec:
		var params struct {
			Argv []string          `json:"argv"`
			Env  map[string]string `json:"env,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult("invalid exec params: %v", err)
		}
		res, err := execCommand(ctx, params.Argv, params.Env)
		if err != nil {
			return errResult("exec: %v", err)
		}
		return okResult(res)

	case agentrpc.MethodReadFile:
		var params struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult("invalid read_file params: %v", err)
		}
		data, err := os.ReadFile(params.Path)
		if err != nil {
			return errResult("read %s: %v", params.Path, err)
		}
		return okResult(map[string]interface{}{"data": data})

	case agentrpc.MethodWriteFile:
		var params struct {
			Path string `json:"path"`
			Data []byte `json:"data"`
			Mode uint32 `json:"mode,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult("invalid write_file params: %v", err)
		}
		mode := os.FileMode(params.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(params.Path, params.Data, mode); err != nil {
			return errResult("write %s: %v", params.Path, err)
		}
		return okResult(nil)

	case agentrpc.MethodListDir:
		var params struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult("invalid list_dir params: %v", err)
		}
		entries, err := os.ReadDir(params.Path)
		if err != nil {
			return errResult("list %s: %v", params.Path, err)
		}
		out := make([]agentrpc.DirEntry, 0, len(entries))
		for _, e := range entries {
			de := agentrpc.DirEntry{Name: e.Name(), IsDir: e.IsDir()}
			if info, err := e.Info(); err == nil {
				de.Size = info.Size()
			}
			out = append(out, de)
		}
		return okResult(map[string]interface{}{"entries": out})

	case agentrpc.MethodExists:
		// Intentionally no error channel: a stat failure of any kind just
		// reads as "does not exist".
		var params struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult("invalid exists params: %v", err)
		}
		_, err := os.Stat(params.Path)
		return okResult(map[string]bool{"exists": err == nil})

	case agentrpc.MethodInfo:
		info, err := systemInfo()
		if err != nil {
			return errResult("info: %v", err)
		}
		return okResult(info)

	case agentrpc.MethodShutdown:
		// Acknowledge before powering off so the caller's RPC completes.
		go func() {
			syscall.Sync()
			powerOff()
		}()
		return okResult(nil)

	default:
		return errResult("method not found: %s", req.Method)
	}
}

func okResult(v interface{}) agentrpc.Message {
	if v == nil {
		return agentrpc.Message{Result: json.RawMessage(`{}`)}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errResult("marshal result: %v", err)
	}
	return agentrpc.Message{Result: data}
}

func errResult(format string, args ...interface{}) agentrpc.Message {
	return agentrpc.Message{Error: fmt.Sprintf(format, args...)}
}
