// Package cleanup provides managed background goroutines which are stopped as
// part of clean shutdown.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick func(context.Context), cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is canceled AND tick is finished.
		util.RepeatCtx(tickFrequency, ctx, func() {
			tick(ctx)
		})
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), then waits for
// them to fully stop running and for their cleanup functions to run.
func Cleanup() {
	sklog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	sklog.Warningf("Finished clean shutdown procedure.")
}

// AtExit runs the given function when the process receives SIGINT or SIGTERM,
// after the Repeat tick functions have stopped, then exits.
func AtExit(fn func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		sklog.Warningf("Caught %s", sig)
		Cleanup()
		if fn != nil {
			fn()
		}
		sklog.Flush()
		os.Exit(0)
	}()
}
