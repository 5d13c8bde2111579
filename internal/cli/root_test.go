package cli

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pathguard.enforcer/pkg/ipc"
)

// fakeDaemon answers guardctl commands with canned responses and records
// what it received.
type fakeDaemon struct {
	socket string
	ln     net.Listener

	mu       sync.Mutex
	received []ipc.Command
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ipc.Init()
	dir, err := os.MkdirTemp("", "gc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fakeDaemon{socket: filepath.Join(dir, "s.sock")}
	f.ln, err = net.Listen("unix", f.socket)
	require.NoError(t, err)
	t.Cleanup(func() { f.ln.Close() })

	go func() {
		for {
			conn, err := f.ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()
	dec, enc := gob.NewDecoder(conn), gob.NewEncoder(conn)
	for {
		var msg ipc.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, *msg.Command)
		f.mu.Unlock()

		resp := ipc.CommandResponse{Type: msg.Command.Type}
		switch msg.Command.Type {
		case ipc.CmdPolicyAppend:
			if p, _ := msg.Command.Payload.(ipc.PolicyTextPayload); len(p.Text) > 100 {
				resp.Error = "policy buffer full"
			}
		case ipc.CmdPolicyLoad:
			resp.Payload = ipc.PolicyLoadResponse{Loaded: 2, Skipped: 1}
		case ipc.CmdPolicyDump:
			resp.Payload = ipc.PolicyDumpResponse{Entries: []ipc.PolicyEntry{{Name: "cat", Path: "/etc/shadow"}}}
		case ipc.CmdPolicyShow:
			resp.Payload = ipc.PolicyTextPayload{Text: "cat:/etc/shadow\n"}
		case ipc.CmdStatus:
			resp.Payload = ipc.StatusResponse{
				Backend:   "ebpf",
				FailMode:  "open",
				StartedAt: time.Now(),
				Decisions: []ipc.DecisionCount{{Action: "deny", Reason: "restricted", Count: 4}},
			}
		case ipc.CmdStreamExec:
			_ = enc.Encode(&ipc.Message{Response: &resp})
			ev := ipc.ExecEventPayload{Pid: 9, Ppid: 1, Comm: "sh", Filename: "/bin/ls", Argv: []string{"ls"}}
			_ = enc.Encode(&ipc.Message{Event: &ev})
			return
		}
		if err := enc.Encode(&ipc.Message{Response: &resp}); err != nil {
			return
		}
	}
}

func (f *fakeDaemon) commands() []ipc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ipc.Command(nil), f.received...)
}

func run(t *testing.T, f *fakeDaemon, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--socket", f.socket}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestPolicyAppendFromStdin(t *testing.T) {
	f := startFakeDaemon(t)
	out, err := run(t, f, "cat:/etc/shadow\n", "policy", "append")
	require.NoError(t, err)
	assert.Contains(t, out, "Appended 16 bytes")

	cmds := f.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, ipc.CmdPolicyAppend, cmds[0].Type)
	assert.Equal(t, ipc.PolicyTextPayload{Text: "cat:/etc/shadow\n"}, cmds[0].Payload)
}

func TestPolicyAppendRejected(t *testing.T) {
	f := startFakeDaemon(t)
	_, err := run(t, f, strings.Repeat("x", 200), "policy", "append")
	assert.ErrorContains(t, err, "policy buffer full")
}

func TestPolicyLoadFile(t *testing.T) {
	f := startFakeDaemon(t)
	file := filepath.Join(t.TempDir(), "policy.txt")
	require.NoError(t, os.WriteFile(file, []byte("a:/a\nb:/b\nbad\n"), 0o600))

	out, err := run(t, f, "", "policy", "load", file)
	require.NoError(t, err)
	assert.Equal(t, "Loaded 2 entries, skipped 1 lines.\n", out)

	cmds := f.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, ipc.CmdPolicyAppend, cmds[0].Type)
	assert.Equal(t, ipc.CmdPolicyLoad, cmds[1].Type)
}

func TestPolicyDumpAndShow(t *testing.T) {
	f := startFakeDaemon(t)
	out, err := run(t, f, "", "policy", "dump")
	require.NoError(t, err)
	assert.Equal(t, "Key: cat, Value: /etc/shadow\n", out)

	out, err = run(t, f, "", "policy", "show")
	require.NoError(t, err)
	assert.Equal(t, "cat:/etc/shadow\n", out)
}

func TestPinnedLoadNeedsFile(t *testing.T) {
	f := startFakeDaemon(t)
	_, err := run(t, f, "", "policy", "load", "--pinned", t.TempDir())
	assert.Error(t, err)
}

func TestPinnedDumpMissingMap(t *testing.T) {
	f := startFakeDaemon(t)
	_, err := run(t, f, "", "policy", "dump", "--pinned", t.TempDir())
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	f := startFakeDaemon(t)
	out, err := run(t, f, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "backend:")
	assert.Contains(t, out, "ebpf")
	assert.Contains(t, out, "deny/restricted:")
	assert.NotContains(t, out, "allow/")
}

func TestEvents(t *testing.T) {
	f := startFakeDaemon(t)
	out, err := run(t, f, "", "events")
	require.NoError(t, err)
	assert.Equal(t, "pid=9 ppid=1 uid=0 gid=0 comm=sh file=/bin/ls argv=[\"ls\"]\n", out)
}

func TestDaemonNotRunning(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", filepath.Join(t.TempDir(), "none.sock"), "status"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "is enforcerd running?")
}
