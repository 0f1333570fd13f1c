package main

// Include the XLA backend (CPU and GPU): the models need its convolutions.

import (
	_ "github.com/gomlx/gomlx/backends/xla"
)
