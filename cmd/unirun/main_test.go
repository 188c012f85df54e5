package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/baxromumarov/unirun"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	for _, k := range []string{"THREAD_MODE", "FORCE_THREADS", "FORCE_PROCESSES", "COMPAT_MODE", "MAX_WORKERS", "PREFERS_ISOLATED", "CONFIG"} {
		t.Setenv("UNIRUN_"+k, "")
	}

	root, a := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := errors.Join(root.Execute(), a.close())
	return stdout.String(), stderr.String(), err
}

func TestExplainJSON(t *testing.T) {
	stdout, _, err := executeCLI(t, "explain", "--flavor", "threads", "--workers", "3", "-o", "json")
	require.NoError(t, err)

	var report struct {
		Decision struct {
			Kind    string `json:"kind"`
			Workers int    `json:"workers"`
			ScopeID string `json:"scope_id"`
			Reason  struct {
				Code string `json:"code"`
			} `json:"reason"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "threads", report.Decision.Kind)
	assert.Equal(t, "explicit-threads", report.Decision.Reason.Code)
	assert.Equal(t, 3, report.Decision.Workers)
	assert.NotEmpty(t, report.Decision.ScopeID)
}

func TestExplainCPUBoundYAML(t *testing.T) {
	stdout, _, err := executeCLI(t, "explain", "--cpu-bound", "-o", "yaml")
	require.NoError(t, err)

	var report map[string]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "processes", report["decision"]["kind"])
	assert.Contains(t, stdout, "cpu-bound-auto")
}

func TestExplainText(t *testing.T) {
	stdout, _, err := executeCLI(t, "explain", "--flavor", "none")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Decision")
	assert.Contains(t, stdout, "shared-singleton")
	assert.Contains(t, stdout, "explicit-none")
}

func TestExplainRejectsUnknownFlavor(t *testing.T) {
	_, _, err := executeCLI(t, "explain", "--flavor", "fibers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fibers")
}

func TestExplainRejectsUnknownOutput(t *testing.T) {
	_, _, err := executeCLI(t, "explain", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestFailedCommandStillClosesRuntime(t *testing.T) {
	t.Setenv("UNIRUN_CONFIG", "")
	root, a := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"explain", "--flavor", "threads", "-o", "xml"})

	require.Error(t, root.Execute())
	require.NotNil(t, a.rt, "the runtime is built before the subcommand fails")
	require.NoError(t, a.close())

	_, err := a.rt.Acquire(context.Background())
	assert.ErrorIs(t, err, unirun.ErrClosed)
	assert.NoError(t, a.close(), "closing twice is harmless")
}

func TestCloseWithoutRuntime(t *testing.T) {
	_, a := newRootCmd()
	assert.NoError(t, a.close())
}

func TestPolicyReadsEnvironment(t *testing.T) {
	root, a := newRootCmd()
	defer a.close()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"policy", "-o", "toml"})
	t.Setenv("UNIRUN_FORCE_THREADS", "true")
	t.Setenv("UNIRUN_MAX_WORKERS", "6")
	t.Setenv("UNIRUN_CONFIG", "")

	require.NoError(t, root.Execute())

	var view struct {
		Policy struct {
			ForceThreads bool `toml:"force_threads"`
			MaxWorkers   int  `toml:"max_workers"`
		} `toml:"policy"`
	}
	require.NoError(t, toml.Unmarshal(stdout.Bytes(), &view))
	assert.True(t, view.Policy.ForceThreads)
	assert.Equal(t, 6, view.Policy.MaxWorkers)
}

func TestPolicyReadsConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thread_mode: pinned-shared\ncompat_mode: true\n"), 0o600))

	stdout, _, err := executeCLI(t, "--config", path, "policy", "-o", "json")
	require.NoError(t, err)

	var view struct {
		Policy struct {
			ThreadMode string `json:"thread_mode"`
			CompatMode bool   `json:"compat_mode"`
		} `json:"policy"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.Equal(t, "pinned-shared", view.Policy.ThreadMode)
	assert.True(t, view.Policy.CompatMode)
}

func TestBenchRunsEveryFlavor(t *testing.T) {
	stdout, _, err := executeCLI(t, "bench", "--tasks", "8", "--workload", "cpu", "--workers", "2",
		"--flavors", "threads,processes,none", "-o", "json")
	require.NoError(t, err)

	var report struct {
		Tasks int `json:"tasks"`
		Rows  []struct {
			Flavor string `json:"flavor"`
			Kind   string `json:"kind"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 8, report.Tasks)
	require.Len(t, report.Rows, 3)
	assert.Equal(t, "threads", report.Rows[0].Kind)
	assert.Equal(t, "processes", report.Rows[1].Kind)
	assert.Equal(t, "shared-singleton", report.Rows[2].Kind)
}

func TestBenchRejectsUnknownWorkload(t *testing.T) {
	_, _, err := executeCLI(t, "bench", "--workload", "gpu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workload")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "ERROR", parseLevel("ERROR").String())
	assert.Equal(t, "WARN", parseLevel("verbose").String())
}
