package main

import (
	"os"

	"github.com/briancaffey/nvidia-nim-kit/internal/nimctl"
)

func main() {
	if err := nimctl.Execute(); err != nil {
		os.Exit(1)
	}
}
