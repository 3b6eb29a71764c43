package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
	"github.com/tinyrange/hermitboot/internal/hermit/entry"
)

// Cores launches every core as a goroutine running a Go entry. It stands in
// for vCPUs when exercising the handoff without a hypervisor.
type Cores struct {
	Entry entry.Entry

	g errgroup.Group
}

// Launch implements Launcher.
func (c *Cores) Launch(ctx context.Context, cpu int, rec bootinfo.Record) error {
	if c.Entry == nil {
		return fmt.Errorf("no entry for cpu %d", cpu)
	}
	c.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok {
					err = fmt.Errorf("cpu %d: %w", cpu, e)
				} else {
					err = fmt.Errorf("cpu %d: %v", cpu, r)
				}
			}
		}()
		entry.Enter(c.Entry, rec)
		return nil
	})
	return nil
}

// Wait waits for every launched core to halt and returns the first failure.
func (c *Cores) Wait() error {
	return c.g.Wait()
}
