//go:build !windows

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "ovrhook is a Windows module, build it with -buildmode=c-shared")
	os.Exit(1)
}
