package main

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
	"github.com/tinyrange/hermitboot/internal/hermit/entry"
	"github.com/tinyrange/hermitboot/internal/hermit/hermittest"
	"github.com/tinyrange/hermitboot/internal/hermit/loader"
	"github.com/tinyrange/hermitboot/internal/hermit/note"
	"github.com/tinyrange/hermitboot/internal/hv"
)

func writeKernel(t *testing.T, machine elf.Machine, base uint64, noteData []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, hermittest.Kernel(machine, base, noteData).Bytes(), 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	return path
}

func TestNoteCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"note", "-version", "1"}, &stdout, &stderr); err != nil {
		t.Fatalf("note: %v (%s)", err, stderr.String())
	}
	if !bytes.Equal(stdout.Bytes(), note.Encode(1)) {
		t.Fatalf("note output = % x", stdout.Bytes())
	}

	stdout.Reset()
	if err := run([]string{"note", "-format", "asm"}, &stdout, &stderr); err != nil {
		t.Fatalf("note -format asm: %v", err)
	}
	if !strings.Contains(stdout.String(), note.SectionName) {
		t.Fatalf("asm output = %q", stdout.String())
	}

	if err := run([]string{"note", "-version", "300"}, &stdout, &stderr); err == nil {
		t.Fatal("note accepted version 300")
	}
}

func TestProbeCommand(t *testing.T) {
	kernel := writeKernel(t, elf.EM_X86_64, 0x100000, note.Encode(1))

	var stdout, stderr bytes.Buffer
	if err := run([]string{"probe", kernel}, &stdout, &stderr); err != nil {
		t.Fatalf("probe: %v", err)
	}
	var got struct {
		Arch       string `yaml:"arch"`
		Version    uint8  `yaml:"version"`
		HasVersion bool   `yaml:"hasVersion"`
	}
	if err := yaml.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal probe output: %v\n%s", err, stdout.String())
	}
	if got.Arch != "x86_64" || got.Version != 1 || !got.HasVersion {
		t.Fatalf("probe = %+v", got)
	}
}

func TestSimulateAndDump(t *testing.T) {
	dir := t.TempDir()
	kernel := writeKernel(t, elf.EM_X86_64, 0x100000, note.Encode(1))
	config := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(config, []byte("memoryMB: 32\ncpus: 4\nuhyve: true\ncpuFreqMHz: 1800\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	recordFile := filepath.Join(dir, "record.bin")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"simulate", "-config", config, "-record-out", recordFile, kernel}, &stdout, &stderr); err != nil {
		t.Fatalf("simulate: %v\n%s", err, stderr.String())
	}
	var sim struct {
		CPUOnline uint32 `yaml:"cpuOnline"`
	}
	if err := yaml.Unmarshal(stdout.Bytes(), &sim); err != nil {
		t.Fatalf("unmarshal simulate output: %v", err)
	}
	if sim.CPUOnline != 4 {
		t.Fatalf("cpuOnline = %d, want 4\n%s", sim.CPUOnline, stdout.String())
	}

	data, err := os.ReadFile(recordFile)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if len(data) != bootinfo.Size {
		t.Fatalf("record file is %d bytes", len(data))
	}

	stdout.Reset()
	if err := run([]string{"dump", "-arch", "x86_64", recordFile}, &stdout, &stderr); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var dump struct {
		CPUOnline uint32 `yaml:"cpuOnline"`
		Compat    struct {
			MagicNumber uint32 `yaml:"magicNumber"`
		} `yaml:"compat"`
		Info struct {
			Platform struct {
				CPUFreqMHz   uint16 `yaml:"cpuFreqMHz"`
				PossibleCPUs uint32 `yaml:"possibleCPUs"`
			} `yaml:"platform"`
		} `yaml:"info"`
	}
	if err := yaml.Unmarshal(stdout.Bytes(), &dump); err != nil {
		t.Fatalf("unmarshal dump output: %v\n%s", err, stdout.String())
	}
	if dump.CPUOnline != 4 || dump.Compat.MagicNumber != bootinfo.MagicNumber {
		t.Fatalf("dump = %+v", dump)
	}
	if dump.Info.Platform.CPUFreqMHz != 1800 || dump.Info.Platform.PossibleCPUs != 4 {
		t.Fatalf("dump platform = %+v", dump.Info.Platform)
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"frobnicate"}, &stdout, &stderr); err == nil {
		t.Fatal("unknown command succeeded")
	}
	if err := run(nil, &stdout, &stderr); err == nil {
		t.Fatal("empty command line succeeded")
	}
}

func TestBringUpFailureStopsProgress(t *testing.T) {
	ram, err := hv.NewHeapRAM(0, 8<<20)
	if err != nil {
		t.Fatalf("NewHeapRAM: %v", err)
	}
	defer ram.Close()

	img, err := loader.ProbeImage(bytes.NewReader(hermittest.Kernel(elf.EM_X86_64, 0x100000, note.Encode(1)).Bytes()))
	if err != nil {
		t.Fatalf("ProbeImage: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := loader.Config{CPUs: 2, Uhyve: true, BringUpTimeout: 50 * time.Millisecond}
	plan, err := loader.New(cfg, log).Prepare(ram, img)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// The second core fails early boot and never comes online.
	cores := &loader.Cores{Entry: entry.Kernel(func(core entry.Core) error {
		if core.ID == 1 {
			return errors.New("no memory for per-core state")
		}
		return nil
	}, nil)}
	bar := progressbar.NewOptions(len(plan.Stacks), progressbar.OptionSetWriter(io.Discard))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = bringUp(ctx, log, plan, cores, bar)
	if !errors.Is(err, loader.ErrBringUpTimeout) {
		t.Fatalf("bringUp err = %v, want ErrBringUpTimeout", err)
	}
	if ctx.Err() != nil {
		t.Fatal("bringUp did not return before its context expired")
	}
	if got := plan.Record.LoadCPUOnline(); got != 1 {
		t.Fatalf("LoadCPUOnline = %d, want 1", got)
	}
}
