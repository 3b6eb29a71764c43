// Package entry describes the contract between a hermit loader and the
// kernel entry point it invokes on every core.
//
// The loader guarantees that the boot info record is fully written before
// the entry runs on any core, that the current stack address for a core is
// published before that core's entry runs, and that the core already runs
// on that stack. The kernel guarantees that it increments the online counter
// only once it finished the part of early boot other cores wait for.
package entry

import (
	"errors"
	"runtime"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
)

// Version is the boot handoff version this module reads and writes.
const Version uint8 = 1

var (
	ErrEntryReturned = errors.New("hermit entry returned")
	ErrTooManyCPUs   = errors.New("more cores online than possible")
)

// Entry is a kernel entry point. It receives the live record, which stays
// valid for the lifetime of the guest, and never returns.
type Entry func(rec bootinfo.Record)

// Enter runs fn as the entry of the calling core. An entry that returns
// breaks the contract and Enter panics with ErrEntryReturned.
func Enter(fn Entry, rec bootinfo.Record) {
	fn(rec)
	panic(ErrEntryReturned)
}

// Online marks the calling core as online and returns the number of cores
// online before it.
func Online(rec bootinfo.Record) (uint32, error) {
	n, ok := rec.IncrementCPUOnline()
	if !ok {
		return n, ErrTooManyCPUs
	}
	return n - 1, nil
}

// Halt stops the calling core for good.
func Halt() {
	runtime.Goexit()
}

// Core is the per-core state a kernel derives on entry.
type Core struct {
	ID    uint32
	Stack uint64
	Info  *bootinfo.BootInfo
}

// Kernel returns an Entry that builds the boot info view, runs init with the
// core's ID and stack, marks the core online and halts. Cores are brought up
// one at a time, so the ID is the online count on entry.
func Kernel(init func(core Core) error, onError func(core Core, err error)) Entry {
	return func(rec bootinfo.Record) {
		core := Core{
			ID:    rec.LoadCPUOnline(),
			Stack: rec.CurrentStackAddress(),
			Info:  bootinfo.FromRaw(rec),
		}
		if init != nil {
			if err := init(core); err != nil {
				if onError != nil {
					onError(core, err)
				}
				Halt()
			}
		}
		if _, err := Online(rec); err != nil && onError != nil {
			onError(core, err)
		}
		Halt()
	}
}
