// Package profilers installs the profiling flags of the command line tools, and starts and stops
// the profilers they select.
//
// Profiles of a batch run are written when it finishes (-cpu_profile, -mem_profile). The live HTTP
// profiler (-prof) is only reachable while the tool runs, unless -prof_keep_alive holds the process
// after its work is done.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the pprof HTTP profiler at the given port.")
	flagKeepAlive  = flag.Bool("prof_keep_alive", false, "With -prof, keep the HTTP profiler serving after the run finishes, until interrupted.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile of the whole run to `file`")
	flagMemProfile = flag.String("mem_profile", "", "write a heap profile to `file` at the end of the run")
	profilerAddr   string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// Follow it with a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		createCPUProfile()
	}
}

// OnQuit stops the CPU profiler and writes the heap profile, if configured.
// With -prof_keep_alive it then blocks until the context given to Setup is done.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
		klog.Infof("CPU profile written to %s", *flagCPUProfile)
	}
	if *flagMemProfile != "" {
		writeHeapProfile()
	}
	if *flagProfiler >= 0 && *flagKeepAlive {
		keepAlive()
	}
}

// createCPUProfile creates the file pointed by *flagCPUProfile and starts the CPU profiling there.
func createCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

// writeHeapProfile writes the heap profile to *flagMemProfile.
func writeHeapProfile() {
	f, err := os.Create(*flagMemProfile)
	if err != nil {
		klog.Errorf("could not create memory profile: %v", err)
		return
	}
	defer func() { _ = f.Close() }()
	runtime.GC() // Get up-to-date statistics.
	if err := pprof.WriteHeapProfile(f); err != nil {
		klog.Errorf("could not write memory profile: %v", err)
		return
	}
	klog.Infof("heap profile written to %s", *flagMemProfile)
}

// setupHTTPProfiler serves net/http/pprof on the -prof port.
func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	klog.Infof("profiler serving on http://%s/debug/pprof (e.g.: go tool pprof http://%s/debug/pprof/heap)",
		profilerAddr, profilerAddr)
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// keepAlive blocks until the tool is interrupted, so the HTTP profiler can still be inspected.
func keepAlive() {
	if globalCtx == nil || globalCtx.Err() != nil {
		return
	}
	runtime.GC()
	klog.Infof("run finished: profiler kept alive at http://%s/debug/pprof, interrupt (Ctrl+C) to exit", profilerAddr)
	<-globalCtx.Done()
}
