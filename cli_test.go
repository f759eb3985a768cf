package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slowpipe/config"
)

func execute(t *testing.T, in []byte, args ...string) ([]byte, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(bytes.NewReader(in))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestLocal_CopiesStdin(t *testing.T) {
	in := bytes.Repeat([]byte("slow modem "), 500)
	out, err := execute(t, in, "local", "--send-rate", "800M", "--burst")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLocal_RequiresRate(t *testing.T) {
	_, err := execute(t, nil, "local")
	assert.True(t, errors.Is(err, config.ErrInvalidConfig), "got %v", err)
}

func TestNetwork_RequiresAddresses(t *testing.T) {
	_, err := execute(t, nil, "network", "--send-rate", "56K")
	assert.True(t, errors.Is(err, config.ErrInvalidConfig), "got %v", err)
}

func TestSetup_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slowpipe.yml")
	yml := `
Mode: network
SendRate: 56K
ReceiveRate: 33K
ListenAddress: 127.0.0.1:7000
DestinationAddress: 127.0.0.1:7001
GlobalRate: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	f := &cliFlags{}
	root := newRootCmdWith(f)
	network, _, err := root.Find([]string{"network"})
	require.NoError(t, err)
	require.NoError(t, network.ParseFlags([]string{
		"--config", path,
		"--send-rate", "112K",
		"--destination", "127.0.0.1:9000",
	}))

	cfg, log, err := f.setup(network, config.ModeNetwork)
	require.NoError(t, err)
	defer log.Sync()

	assert.Equal(t, int64(112_000), cfg.SendRate.BitsPerSecond())
	require.NotNil(t, cfg.ReceiveRateBps())
	assert.Equal(t, int64(33_000), *cfg.ReceiveRateBps())
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddress)
	assert.Equal(t, "127.0.0.1:9000", cfg.DestinationAddress)
	assert.True(t, cfg.GlobalRate)
	assert.False(t, cfg.AllowBurst)
}

func TestNetwork_StopsOnCancelledContext(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"network",
		"--send-rate", "56K",
		"--listen", "127.0.0.1:0",
		"--destination", "127.0.0.1:9",
		"--api", "127.0.0.1:0",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, cmd.ExecuteContext(ctx))
}
