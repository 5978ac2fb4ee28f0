// The main package for the mirrulations executable.
package main

import (
	"github.com/ShaneHoughton/capstone2022/cmd"
)

// main defers all execution to the Cobra command tree.
func main() {
	cmd.Execute()
}
