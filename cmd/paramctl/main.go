// Package main is the entry point for the paramctl CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "paramctl:", err)
		os.Exit(1)
	}
}
