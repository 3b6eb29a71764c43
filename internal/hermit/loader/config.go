package loader

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hermitboot/internal/hermit/entry"
	"github.com/tinyrange/hermitboot/internal/hv"
)

const (
	defaultMemoryMB       = 64
	defaultStackSize      = 0x8000
	defaultBringUpTimeout = 5 * time.Second
	defaultPollInterval   = time.Millisecond

	defaultSerialX86_64 = 0x3f8
	defaultSerialARM64  = 0x09000000
	defaultRAMBaseARM64 = 0x40000000
)

// Config controls how a kernel is handed its boot info record.
type Config struct {
	// Arch must match the kernel image when set.
	Arch hv.CpuArchitecture `yaml:"arch,omitempty"`

	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	// MemoryBase is the guest physical address of RAM. x86_64 kernels
	// require zero; aarch64 defaults to 0x40000000.
	MemoryBase *uint64 `yaml:"memoryBase,omitempty"`
	CPUs       int     `yaml:"cpus,omitempty"`
	StackSize  uint64  `yaml:"stackSize,omitempty"`

	// Uhyve selects the uhyve boot path: boot time, CPU frequency and CPU
	// count are passed in the record and no command line is written.
	Uhyve      bool   `yaml:"uhyve,omitempty"`
	Cmdline    string `yaml:"cmdline,omitempty"`
	CPUFreqMHz uint16 `yaml:"cpuFreqMHz,omitempty"`
	SerialPort uint32 `yaml:"serialPort,omitempty"`

	// SupportedVersions lists the entry versions this loader accepts.
	SupportedVersions []uint8 `yaml:"supportedVersions,omitempty"`
	// FallbackVersion is assumed for kernels without an entry version note.
	FallbackVersion uint8 `yaml:"fallbackVersion,omitempty"`

	BringUpTimeout time.Duration `yaml:"bringUpTimeout,omitempty"`
	PollInterval   time.Duration `yaml:"pollInterval,omitempty"`
}

func (c *Config) normalize() {
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.StackSize == 0 {
		c.StackSize = defaultStackSize
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = []uint8{entry.Version}
	}
	if c.FallbackVersion == 0 {
		c.FallbackVersion = entry.Version
	}
	if c.BringUpTimeout <= 0 {
		c.BringUpTimeout = defaultBringUpTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Supports reports whether version is in SupportedVersions.
func (c Config) Supports(version uint8) bool {
	return slices.Contains(c.SupportedVersions, version)
}

// RAMBase returns the guest physical RAM base for arch.
func (c Config) RAMBase(arch hv.CpuArchitecture) uint64 {
	if c.MemoryBase != nil {
		return *c.MemoryBase
	}
	if arch == hv.ArchitectureARM64 {
		return defaultRAMBaseARM64
	}
	return 0
}

func (c Config) serialPort(arch hv.CpuArchitecture) uint32 {
	if c.SerialPort != 0 {
		return c.SerialPort
	}
	if arch == hv.ArchitectureARM64 {
		return defaultSerialARM64
	}
	return defaultSerialX86_64
}

// ParseConfig decodes a YAML configuration and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BringUpTimeout < 0 {
		return Config{}, fmt.Errorf("parse config: negative bringUpTimeout %s", cfg.BringUpTimeout)
	}
	if cfg.PollInterval < 0 {
		return Config{}, fmt.Errorf("parse config: negative pollInterval %s", cfg.PollInterval)
	}
	cfg.normalize()
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
