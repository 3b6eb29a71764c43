package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
)

var ErrBringUpTimeout = errors.New("timed out waiting for cores to come online")

// Launcher starts the kernel entry on one core. The core must already run on
// the stack whose address was published in the record.
type Launcher interface {
	Launch(ctx context.Context, cpu int, rec bootinfo.Record) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cpu int, rec bootinfo.Record) error

func (f LauncherFunc) Launch(ctx context.Context, cpu int, rec bootinfo.Record) error {
	return f(ctx, cpu, rec)
}

// BringUp starts the cores one at a time. For each core it publishes the
// stack address, launches the core and waits until the online counter
// reports it before moving on.
func (p *Plan) BringUp(ctx context.Context, launcher Launcher) error {
	for cpu, stack := range p.Stacks {
		p.Record.StoreCurrentStackAddress(stack.Base)
		p.log.Debug("starting core", "cpu", cpu, "stack", fmt.Sprintf("%#x", stack.Base))

		if err := launcher.Launch(ctx, cpu, p.Record); err != nil {
			return fmt.Errorf("launch cpu %d: %w", cpu, err)
		}
		if err := p.WaitOnline(ctx, uint32(cpu+1), nil); err != nil {
			return fmt.Errorf("cpu %d: %w", cpu, err)
		}
	}
	p.log.Info("all cores online", "cpus", len(p.Stacks))
	return nil
}

// WaitOnline polls the online counter until it reaches want or the bring-up
// timeout expires. progress, if set, is called whenever the count changes.
func (p *Plan) WaitOnline(ctx context.Context, want uint32, progress func(online uint32)) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	last := ^uint32(0)
	for {
		n := p.Record.LoadCPUOnline()
		if n != last {
			last = n
			if progress != nil {
				progress(n)
			}
		}
		if n >= want {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %d of %d online after %s", ErrBringUpTimeout, n, want, p.timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
