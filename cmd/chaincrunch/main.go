// Package main implements the chaincrunch command entry.
package main

import (
	"fmt"
	"os"

	"chaincrunch/internal/logger"
)

// main provides application entry point
func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("main").WithField("panic", r).Error("panic recovered")
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		logger.Component("main").WithError(err).Error("chaincrunch failed")
		os.Exit(1)
	}
}
