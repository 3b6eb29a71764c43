package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
	"github.com/tinyrange/hermitboot/internal/hermit/entry"
	"github.com/tinyrange/hermitboot/internal/hermit/loader"
	"github.com/tinyrange/hermitboot/internal/hermit/note"
	"github.com/tinyrange/hermitboot/internal/hv"
)

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func runNote(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("note", stderr)
	version := fs.Uint("version", uint(entry.Version), "Entry version to declare")
	format := fs.String("format", "bin", "Output format: bin or asm")
	out := fs.String("o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *version > 0xff {
		return fmt.Errorf("version %d does not fit in a byte", *version)
	}

	w := stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("create %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}

	switch *format {
	case "bin":
		if _, err := w.Write(note.Encode(uint8(*version))); err != nil {
			return fmt.Errorf("write note: %w", err)
		}
		return nil
	case "asm":
		return note.WriteAssembly(w, uint8(*version))
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func runProbe(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("probe", stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: hermitboot probe <kernel>\n")
		return errUsage
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	img, err := loader.ProbeImage(f)
	if err != nil {
		return err
	}
	return writeYAML(stdout, img)
}

type recordDump struct {
	Info                *bootinfo.BootInfo `yaml:"info"`
	Compat              bootinfo.Compat    `yaml:"compat"`
	CPUOnline           uint32             `yaml:"cpuOnline"`
	CurrentStackAddress uint64             `yaml:"currentStackAddress"`
}

func dumpRecord(rec bootinfo.Record) recordDump {
	return recordDump{
		Info:                rec.View(),
		Compat:              rec.Compat(),
		CPUOnline:           rec.LoadCPUOnline(),
		CurrentStackAddress: rec.CurrentStackAddress(),
	}
}

func runDump(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("dump", stderr)
	arch := fs.String("arch", string(hv.ArchitectureX86_64), "Record layout: x86_64 or arm64")
	offset := fs.Int64("offset", 0, "Byte offset of the record in the file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: hermitboot dump [-arch A] [-offset N] <file>\n")
		return errUsage
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open record: %w", err)
	}
	defer f.Close()

	data := make([]byte, bootinfo.Size)
	if _, err := f.ReadAt(data, *offset); err != nil {
		return fmt.Errorf("read record @%#x: %w", *offset, err)
	}
	rec, err := bootinfo.Snapshot(hv.CpuArchitecture(*arch), data)
	if err != nil {
		return err
	}
	return writeYAML(stdout, dumpRecord(rec))
}

func runSimulate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("simulate", stderr)
	configPath := fs.String("config", "", "YAML loader configuration")
	recordOut := fs.String("record-out", "", "Write the final record bytes to this file")
	verbose := fs.Bool("v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: hermitboot simulate [-config cfg.yaml] [-record-out file] <kernel>\n")
		return errUsage
	}
	log := newLogger(stderr, *verbose)

	cfg, err := loader.ParseConfig(nil)
	if err != nil {
		return err
	}
	if *configPath != "" {
		if cfg, err = loader.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	img, err := loader.ProbeImage(f)
	if err != nil {
		return err
	}

	ram, err := hv.NewRAM(cfg.RAMBase(img.Arch), cfg.MemoryMB<<20)
	if err != nil {
		return err
	}
	defer ram.Close()

	plan, err := loader.New(cfg, log).Prepare(ram, img)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cores := &loader.Cores{Entry: entry.Kernel(func(core entry.Core) error {
		log.Debug("core entered",
			"cpu", core.ID,
			"stack", fmt.Sprintf("%#x", core.Stack),
			"kernel", core.Info.KernelImage.String(),
		)
		return nil
	}, func(core entry.Core, err error) {
		log.Error("core failed", "cpu", core.ID, "error", err)
	})}

	var bar *progressbar.ProgressBar
	if file, ok := stdout.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		bar = progressbar.NewOptions(len(plan.Stacks),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("cores online"),
			progressbar.OptionShowCount(),
		)
	}
	if err := bringUp(ctx, log, plan, cores, bar); err != nil {
		return err
	}

	if *recordOut != "" {
		out, err := os.Create(*recordOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", *recordOut, err)
		}
		defer out.Close()
		if err := ram.Dump(out, plan.RecordGPA, bootinfo.Size); err != nil {
			return fmt.Errorf("dump record: %w", err)
		}
	}

	return writeYAML(stdout, dumpRecord(plan.Record))
}

// bringUp starts every core of plan and waits for all of them to halt. bar,
// if set, tracks the online counter until bring-up ends.
func bringUp(ctx context.Context, log *slog.Logger, plan *loader.Plan, cores *loader.Cores, bar *progressbar.ProgressBar) error {
	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()

	done := make(chan struct{})
	if bar != nil {
		go func() {
			defer close(done)
			err := plan.WaitOnline(progressCtx, uint32(len(plan.Stacks)), func(n uint32) { bar.Set(int(n)) })
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("progress stopped", "error", err)
			}
			bar.Finish()
		}()
	} else {
		close(done)
	}

	err := plan.BringUp(ctx, cores)
	if err != nil {
		stopProgress()
	}
	<-done
	if waitErr := cores.Wait(); err == nil {
		err = waitErr
	}
	return err
}
