// Package spinning provides a friendly spinning clock (or some other spinning symbols)
// to use while the program is calculating something.
//
// The spinner is only displayed if the standard error is a terminal.
package spinning

import (
	"context"
	"fmt"
	"golang.org/x/term"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

var (
	ThemeAscii = []rune("|/-\\")
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme defaults to ThemeClock, but it can be set to anything else.
	Theme = ThemeClock

	// Output of the spinner. Defaults to os.Stderr, so it doesn't mix with the reports on os.Stdout.
	Output io.Writer = os.Stderr

	muSpinning  sync.Mutex
	spinningIdx int
)

// IsTerminal returns whether os.Stderr is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program haven't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Fprintln(Output)
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	if !IsTerminal() {
		return
	}
	fmt.Fprint(Output, "\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// New starts a spinning display that runs on a separate GoRoutine.
// It stops when Spinning.Done is called, or when ctx is cancelled.
//
// If os.Stderr is not a terminal, nothing is displayed.
func New(ctx context.Context) *Spinning {
	s := &Spinning{}
	if !IsTerminal() {
		return s
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		muSpinning.Lock()
		defer muSpinning.Unlock()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		fmt.Fprint(Output, "\033[?25l")       // Hide cursor.
		defer fmt.Fprint(Output, "\033[?25h") // Restore cursor.

		fmt.Fprint(Output, "  ")
		for {
			symbol := Theme[spinningIdx%len(Theme)]
			fmt.Fprintf(Output, "\b\b%c", symbol)
			spinningIdx = (spinningIdx + 1) % len(Theme)
			select {
			case <-ctx.Done():
				fmt.Fprint(Output, "\b\b")
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clean up. It can be called more than once.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
