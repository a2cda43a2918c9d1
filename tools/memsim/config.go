package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"limeos/kernel/hal/emu"
	"limeos/kernel/kmain"
	"limeos/kernel/mm"
)

// config is the contents of a memsim configuration file.
type config struct {
	Kernel  kmain.Config `toml:"kernel"`
	Machine emu.Config   `toml:"machine"`
}

// defaultConfig returns the emulator defaults with the kernel's low memory
// map shrunk to the size of the emulated machine.
func defaultConfig() config {
	cfg := config{Kernel: kmain.DefaultConfig(), Machine: emu.DefaultConfig()}
	cfg.Kernel.LowMemorySize = 16 * mm.Mb
	return cfg
}

// loadConfig reads path on top of the defaults. Keys missing from the file
// keep their default value.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return cfg, fmt.Errorf("%s: unknown configuration key %q", path, undecoded[0].String())
	}

	return cfg, nil
}
