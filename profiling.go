package main

import (
	"os"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// memprofileInterval is how often the heap profile is rewritten while mounted.
const memprofileInterval = 60 * time.Second

// setupProfiling handles "-cpuprofile", "-memprofile" and "-trace". The
// returned function stops all of them and must run after unmount.
func setupProfiling(args *argContainer) (stop func()) {
	var stops []func()
	if args.cpuprofile != "" {
		stops = append(stops, setupCpuprofile(args.cpuprofile))
	}
	if args.memprofile != "" {
		stops = append(stops, setupMemprofile(args.memprofile))
	}
	if args.trace != "" {
		stops = append(stops, setupTrace(args.trace))
	}
	if len(stops) > 0 {
		tlog.Info.Printf("Note: You must unmount gracefully, otherwise the profile file(s) will stay empty!")
	}
	return func() {
		for _, s := range stops {
			s()
		}
	}
}

func createProfileFile(path string) *os.File {
	f, err := os.Create(path)
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Profiler)
	}
	return f
}

// setupCpuprofile is called to handle a non-empty "-cpuprofile" cli argument
func setupCpuprofile(path string) func() {
	tlog.Info.Printf("Writing CPU profile to %s", path)
	f := createProfileFile(path)
	if err := pprof.StartCPUProfile(f); err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Profiler)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}

// setupMemprofile is called to handle a non-empty "-memprofile" cli argument.
// The heap profile is rewritten periodically so that a crashed mount still
// leaves something to look at.
func setupMemprofile(path string) func() {
	tlog.Info.Printf("Will write memory profile to %q", path)
	f := createProfileFile(path)
	done := make(chan struct{})
	var mu sync.Mutex
	write := func() error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		return pprof.WriteHeapProfile(f)
	}
	go func() {
		t := time.NewTicker(memprofileInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := write(); err != nil {
					tlog.Warn.Printf("memprofile: periodic write failed: %v", err)
					return
				}
				tlog.Debug.Printf("memprofile: periodic write to %q succeeded", path)
			}
		}
	}()
	return func() {
		close(done)
		if err := write(); err != nil {
			tlog.Warn.Printf("memprofile: on-exit write failed: %v", err)
		}
		f.Close()
	}
}

// setupTrace is called to handle a non-empty "-trace" cli argument
func setupTrace(path string) func() {
	tlog.Info.Printf("Writing execution trace to %s", path)
	f := createProfileFile(path)
	if err := trace.Start(f); err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Profiler)
	}
	return func() {
		trace.Stop()
		f.Close()
	}
}
