// Command hyperqctl inspects and cleans up HyperQ segments living under
// /dev/shm, for operators dealing with processes that crashed before
// closing their handles.
package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"hyperq.dev/hyperq/internal/ring"
	"hyperq.dev/hyperq/internal/segment"
)

const shmDir = "/dev/shm"

// gcConcurrency bounds how many segments hyperqctl gc inspects at once,
// so a directory with thousands of stale entries doesn't open thousands
// of file descriptors simultaneously.
const gcConcurrency = 8

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ls":
		err = runLs()
	case "gc":
		err = runGC(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyperqctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hyperqctl ls")
	fmt.Fprintln(os.Stderr, "       hyperqctl gc [name ...]  (default: every segment under /dev/shm)")
}

func runLs() error {
	entries, err := os.ReadDir(shmDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", shmDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		status := "unreadable"
		kernelName := "/" + e.Name()
		if seg, err := segment.Attach(kernelName, ring.HeaderSize()); err == nil {
			if hdr, err := ring.OpenHeader(seg.HeaderBytes()); err == nil {
				status = fmt.Sprintf("refs=%d capacity=%d", hdr.RefCount(), hdr.Capacity())
			} else {
				status = "uninitialized"
			}
			segment.Close(seg)
		}
		fmt.Printf("%-32s %10d bytes  %s\n", e.Name(), info.Size(), status)
	}
	return nil
}

func runGC(names []string) error {
	if len(names) == 0 {
		entries, err := os.ReadDir(shmDir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", shmDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(gcConcurrency)
	for _, name := range names {
		g.Go(func() error {
			return gcOne(name)
		})
	}
	return g.Wait()
}

// gcOne removes name if it is a HyperQ segment with no attached handles.
// A segment whose header never finished initializing (a creator that
// died between ftruncate and InitHeader) is also treated as stale.
func gcOne(name string) error {
	kernelName, err := segment.NormalizeName(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	seg, err := segment.Attach(kernelName, ring.HeaderSize())
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer segment.Close(seg)

	hdr, err := ring.OpenHeader(seg.HeaderBytes())
	if err != nil {
		if rmErr := segment.Unlink(kernelName); rmErr != nil {
			return fmt.Errorf("%s: %w", name, rmErr)
		}
		fmt.Printf("removed %s (uninitialized)\n", name)
		return nil
	}

	if hdr.RefCount() > 0 {
		fmt.Printf("skipped %s (refs=%d)\n", name, hdr.RefCount())
		return nil
	}

	hdr.Destroy()
	if err := segment.Unlink(kernelName); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Printf("removed %s (stale, refs=0)\n", name)
	return nil
}
