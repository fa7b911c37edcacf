package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/pkg/studysync"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "studysync", cmd.Use)
	assert.Contains(t, cmd.Long, "atomic batches")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, cmdName := range []string{"serve", "queue", "id"} {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"id", "--format", "xml"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, `invalid format "xml"`)
}

func TestIDCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewIDCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--temporary", "-n", "3"})

	require.NoError(t, cmd.Execute())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, id := range lines {
		assert.True(t, idgen.IsTemporary(id), id)
	}
}

func TestIDCommandJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewIDCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			IDs []string `json:"ids"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.IDs, 1)
	assert.False(t, idgen.IsTemporary(resp.Data.IDs[0]))
}

func TestIDCommandInvalidCount(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewIDCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"-n", "0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "invalid --count")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "studysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestQueueCommand(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	cfgPath := writeConfig(t, "storage:\n  type: bolt\n  bolt:\n    path: "+dbPath+"\nnetwork:\n  start_online: false\n")

	cfg, err := studysync.LoadConfig(cfgPath)
	require.NoError(t, err)
	engine, err := studysync.New(ctx, cfg, studysync.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, studysync.OperationUpdate, "tasks", "t-9", map[string]interface{}{"done": true})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	buf := &bytes.Buffer{}
	cmd := NewQueueCommand(&RootOptions{Format: "text", ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Mutations (1)")
	assert.Contains(t, out, "tasks/t-9")
	assert.Contains(t, out, "Retries (0)")

	buf.Reset()
	cmd = NewQueueCommand(&RootOptions{Format: "json", ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string                   `json:"status"`
		Data   studysync.PersistedState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data.Mutations, 1)
	assert.Equal(t, studysync.OperationUpdate, resp.Data.Mutations[0].Operation)
}

func TestQueueCommandBadConfig(t *testing.T) {
	cfgPath := writeConfig(t, "storage:\n  type: floppy\n")

	buf := &bytes.Buffer{}
	cmd := NewQueueCommand(&RootOptions{Format: "json", ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "unsupported storage type: floppy")
}

func TestServeCommandStopsOnCancel(t *testing.T) {
	cfgPath := writeConfig(t, "storage:\n  type: memory\nremote:\n  type: memory\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	buf := &bytes.Buffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text", ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0"})

	require.NoError(t, cmd.ExecuteContext(ctx))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	addrFlag := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, addrFlag)
	assert.Equal(t, "", addrFlag.DefValue)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeCommandServesAPI(t *testing.T) {
	cfgPath := writeConfig(t, "storage:\n  type: memory\nremote:\n  type: memory\n")
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := &syncBuffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text", ConfigPath: cfgPath})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--addr", addr})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == 200
	}, 5*time.Second, 20*time.Millisecond)

	body := strings.NewReader(`{"operation":"create","collectionPath":"tasks","entityId":"temp-1","data":{"title":"Read"}}`)
	resp, err := http.Post(base+"/v1/mutations", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 202, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st studysync.AppSyncStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.LastSyncTime != 0 && st.PendingChanges == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

// syncBuffer is a bytes.Buffer safe for the server's concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
