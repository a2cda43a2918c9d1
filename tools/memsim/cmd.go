package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"limeos/kernel/mm"
)

var rootCmd = &cobra.Command{
	Use:   "memsim",
	Short: "Boot the kernel memory core on an emulated machine.",
	Long: `memsim lays out an emulated x86_64 machine the way the boot loader ` +
		`leaves it, runs the kernel's memory bring-up on its boot processor ` +
		`and wakes the application processors.`,
	SilenceUsage: true,
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Run the bring-up sequence and print a report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		log := logrus.New()
		log.SetOutput(cmd.ErrOrStderr())
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(logrus.DebugLevel)
		}

		rep, err := simulate(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return rep.print(cmd.OutOrStdout())
	},
}

var defconfigCmd = &cobra.Command{
	Use:   "defconfig",
	Short: "Print the default configuration as TOML.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(defaultConfig())
	},
}

func init() {
	rootCmd.AddCommand(bootCmd, defconfigCmd)

	flags := bootCmd.Flags()
	flags.StringP("config", "c", "", "TOML file with [kernel] and [machine] tables")
	flags.BoolP("verbose", "v", false, "log privileged operations")
	flags.Int("cpus", 0, "number of processors, including the boot processor")
	flags.Uint64("memory", 0, "physical memory in MiB")
	flags.Uint64("low-memory", 0, "identity mapped low memory in MiB")
	flags.Uint64("heap", 0, "kernel heap size in MiB")
	flags.Bool("huge-direct-map", false, "have the boot loader use 2MiB pages for its direct map")
}

// configFromFlags loads the configuration file, if any, and applies the
// flags that were set explicitly.
func configFromFlags(cmd *cobra.Command) (config, error) {
	flags := cmd.Flags()

	cfg := defaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = loadConfig(path); err != nil {
			return cfg, err
		}
	}

	if flags.Changed("cpus") {
		cfg.Machine.CPUs, _ = flags.GetInt("cpus")
	}
	if flags.Changed("memory") {
		v, _ := flags.GetUint64("memory")
		cfg.Machine.MemorySize = mm.Size(v) * mm.Mb
	}
	if flags.Changed("low-memory") {
		v, _ := flags.GetUint64("low-memory")
		cfg.Kernel.LowMemorySize = mm.Size(v) * mm.Mb
	}
	if flags.Changed("heap") {
		v, _ := flags.GetUint64("heap")
		cfg.Kernel.HeapSize = mm.Size(v) * mm.Mb
	}
	if flags.Changed("huge-direct-map") {
		cfg.Machine.HugeDirectMap, _ = flags.GetBool("huge-direct-map")
	}

	return cfg, nil
}

// Execute runs the root command and exits with a non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err)
		os.Exit(1)
	}
}
