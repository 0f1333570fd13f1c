//go:build gtk

package main

// Include the GTK viewer (--viewer=gtk).

import (
	_ "github.com/cropseg/cropseg/internal/ui/gtkviewer"
)
