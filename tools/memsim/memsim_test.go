package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"limeos/kernel/mm"
	"limeos/kernel/smp"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSimulate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Machine.CPUs = 3

	rep, err := simulate(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	require.Len(t, rep.Cores, 3)
	stacks := map[uintptr]bool{}
	for _, c := range rep.Cores {
		require.Equal(t, smp.Running.String(), c.State, "cpu %d", c.ID)
		stacks[c.StackTop] = true
	}
	require.Len(t, stacks, 3)

	require.NotZero(t, rep.KernelRoot)
	require.Equal(t, uintptr(64*mm.Mb), rep.MemorySize)
	require.Less(t, rep.UsedPages, rep.TotalPages)

	var out bytes.Buffer
	require.NoError(t, rep.print(&out))
	require.Contains(t, out.String(), "memory:      64 MiB")
	require.Contains(t, out.String(), "RSP0")
}

func TestSimulateBootFailure(t *testing.T) {
	cfg := defaultConfig()
	cfg.Machine.CPUs = 2
	cfg.Machine.InitrdSize = 0

	_, err := simulate(context.Background(), cfg, quietLogger())
	require.ErrorContains(t, err, "missing boot resource: initrd module")
}

func TestSimulateInvalidMachine(t *testing.T) {
	cfg := defaultConfig()
	cfg.Machine.CPUs = 0

	_, err := simulate(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "memsim.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[kernel]
kernel_stack_pages = 8
heap_size = 2097152

[machine]
cpus = 2
memory_size = 33554432
huge_direct_map = true
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	exp := defaultConfig()
	exp.Kernel.KernelStackPages = 8
	exp.Kernel.HeapSize = 2 * mm.Mb
	exp.Machine.CPUs = 2
	exp.Machine.MemorySize = 32 * mm.Mb
	exp.Machine.HugeDirectMap = true
	require.Equal(t, exp, cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	_, err = loadConfig(writeConfig(t, "[machine]\ncpu_count = 2\n"))
	require.ErrorContains(t, err, "machine.cpu_count")
}

func TestBootCommand(t *testing.T) {
	path := writeConfig(t, "[machine]\ncpus = 4\n")

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"boot", "--config", path, "--cpus", "2", "--memory", "32"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, stdout.String(), "memory:      32 MiB")
	require.Contains(t, stdout.String(), "running")
}

func TestDefconfigCommand(t *testing.T) {
	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"defconfig"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())

	path := writeConfig(t, stdout.String())
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
}
