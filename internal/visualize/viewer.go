package visualize

import (
	"bufio"
	"context"
	"fmt"
	"github.com/pkg/errors"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// Viewer shows a rendered plot to the user, and blocks until the user dismisses it.
type Viewer interface {
	Show(ctx context.Context, path, title string) error
}

// NoViewer only keeps the files, it doesn't show anything.
type NoViewer struct{}

// Show implements Viewer.
func (NoViewer) Show(context.Context, string, string) error { return nil }

// PromptViewer prints the path of the plot and waits for the user to press Enter.
type PromptViewer struct {
	In  io.Reader
	Out io.Writer

	once   sync.Once
	reader *bufio.Reader
}

// Show implements Viewer.
func (v *PromptViewer) Show(ctx context.Context, path, title string) error {
	v.once.Do(func() { v.reader = bufio.NewReader(v.In) })
	_, _ = fmt.Fprintf(v.Out, "%s: plot saved to %s\nPress <Enter> to continue...", title, path)
	done := make(chan error, 1)
	go func() {
		_, err := v.reader.ReadString('\n')
		done <- err
	}()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for the user")
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "reading user input")
		}
		return nil
	}
}

// CommandViewer opens the plot with an external program (e.g.: "eog" or "feh"), and waits for
// it to exit. The path of the plot is appended to Args.
type CommandViewer struct {
	Command string
	Args    []string
}

// Show implements Viewer.
func (v *CommandViewer) Show(ctx context.Context, path, title string) error {
	cmd := exec.CommandContext(ctx, v.Command, append(slices.Clone(v.Args), path)...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "viewer %q failed on %q", v.Command, path)
	}
	return nil
}

// ViewerFactory creates a Viewer.
type ViewerFactory func() (Viewer, error)

var (
	muViewers sync.Mutex

	// registeredViewers by name, extended with RegisterViewer (e.g.: the "gtk" viewer).
	registeredViewers = map[string]ViewerFactory{
		"none": func() (Viewer, error) { return NoViewer{}, nil },
		"prompt": func() (Viewer, error) {
			return &PromptViewer{In: os.Stdin, Out: os.Stdout}, nil
		},
	}
)

// RegisterViewer makes a viewer available to NewViewer under name.
func RegisterViewer(name string, factory ViewerFactory) {
	muViewers.Lock()
	defer muViewers.Unlock()
	registeredViewers[name] = factory
}

// NewViewer creates the viewer registered under name. If there is none, name is taken as a
// command line (program and arguments) and a CommandViewer is returned.
// An empty name is the same as "none".
func NewViewer(name string) (Viewer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "none"
	}
	muViewers.Lock()
	factory, found := registeredViewers[name]
	muViewers.Unlock()
	if found {
		return factory()
	}
	if name == "gtk" {
		return nil, errors.New("viewer \"gtk\" not available: build with the \"gtk\" tag")
	}
	parts := strings.Fields(name)
	if _, err := exec.LookPath(parts[0]); err != nil {
		return nil, errors.Wrapf(err, "viewer %q not found", parts[0])
	}
	return &CommandViewer{Command: parts[0], Args: parts[1:]}, nil
}
