package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/fusedlayer"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Cleanup(func() { fusedlayer.SetLogger(nil) })
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestPlanCommand(t *testing.T) {
	out, _, err := execute(t, "plan", "--kind", "transformer", "--invertible")
	require.NoError(t, err)
	assert.Contains(t, out, "pre_ln=true invertible=true")
	assert.Contains(t, out, "(12 buffers)")
	assert.Contains(t, out, "slot output")
	assert.Contains(t, out, "<- inp_norm")
	assert.Contains(t, out, "memory")
}

func TestPlanCommandAll(t *testing.T) {
	out, _, err := execute(t, "plan", "--kind", "mlp", "--all")
	require.NoError(t, err)
	assert.Equal(t, 16, strings.Count(out, "retained"))
	assert.Contains(t, out, "slot gelu_inp")
}

func TestPlanCommandUnknownKind(t *testing.T) {
	_, _, err := execute(t, "plan", "--kind", "conv")
	assert.Error(t, err)
}

func TestPlanCommandConfigFile(t *testing.T) {
	cfg := smallConfig()
	cfg.FP16 = true
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, fusedlayer.SaveConfig(cfg, path))

	out, _, err := execute(t, "plan", "--config", path, "--gelu-ckpt")
	require.NoError(t, err)
	assert.Contains(t, out, "gelu_ckpt=true")

	_, _, err = execute(t, "plan", "--config", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTrainCommand(t *testing.T) {
	out, stderr, err := execute(t, "train", "--steps", "3", "--log-every", "1", "--checkpoint-every", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "layers=2 dispatch=fp32")
	assert.Contains(t, out, "checkpoint_every=1")
	assert.Contains(t, out, "steps=3")
	assert.Contains(t, out, "eval_loss before=")
	assert.Contains(t, stderr, "training step")

	_, _, err = execute(t, "train", "--steps", "0")
	assert.ErrorContains(t, err, "--steps")

	_, _, err = execute(t, "train", "--steps", "1", "--optimizer", "lion")
	assert.ErrorContains(t, err, "lion")
}

func TestGradCheckCommand(t *testing.T) {
	out, _, err := execute(t, "gradcheck", "--kind", "mlp", "--samples", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 5)
	for _, l := range lines {
		assert.Contains(t, l, " ok ")
	}
}

func TestDeviceCommand(t *testing.T) {
	out, _, err := execute(t, "device", "--rank", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "rank 2")

	out, _, err = execute(t, "device", "--json")
	require.NoError(t, err)
	var d fusedlayer.Device
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, -1, d.Rank)
}

func TestVerboseLogsToStderr(t *testing.T) {
	_, stderr, err := execute(t, "-v", "gradcheck", "--kind", "layer_norm", "--samples", "2")
	require.NoError(t, err)
	assert.Contains(t, stderr, "fused layer created")
}
