// The main package for the pixvault executable.
package main

import (
	"github.com/pixvault/pixvault/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
