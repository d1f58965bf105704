// tandem serves the browser front-end and session layer for a coding
// assistant.
package main

import (
	"fmt"
	"os"

	"github.com/harun/tandem/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
