//go:build gtk

// Package gtkviewer shows plots in a GTK window. Importing it registers the "gtk" viewer
// in the visualize package.
//
// GTK must run on the main thread: use it only from the main goroutine.
package gtkviewer

import (
	"context"
	"github.com/cropseg/cropseg/internal/visualize"
	"github.com/gotk3/gotk3/glib"
	"github.com/gotk3/gotk3/gtk"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"runtime"
	"sync"
)

func init() {
	// GTK calls must come from the thread that initialized it.
	runtime.LockOSThread()
	visualize.RegisterViewer("gtk", func() (visualize.Viewer, error) { return New(), nil })
}

var initOnce sync.Once

// Viewer opens each plot in a new window, and blocks until the window is closed.
type Viewer struct{}

// New creates a GTK viewer, initializing GTK if needed.
func New() *Viewer {
	initOnce.Do(func() { gtk.Init(nil) })
	return &Viewer{}
}

// Show implements visualize.Viewer.
func (v *Viewer) Show(ctx context.Context, path, title string) error {
	win, err := gtk.WindowNew(gtk.WINDOW_TOPLEVEL)
	if err != nil {
		return errors.Wrap(err, "unable to create window")
	}
	win.SetTitle(title)
	win.Connect("destroy", func() {
		gtk.MainQuit()
	})
	img, err := gtk.ImageNewFromFile(path)
	if err != nil {
		win.Destroy()
		return errors.Wrapf(err, "unable to load %q", path)
	}
	win.Add(img)
	win.ShowAll()

	// Close the window if interrupted.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			glib.IdleAdd(func() { win.Destroy() })
		case <-stop:
		}
	}()

	klog.V(2).Infof("gtkviewer: showing %q", path)
	gtk.Main()
	return errors.Wrap(ctx.Err(), "gtk viewer interrupted")
}
