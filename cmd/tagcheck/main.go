// Command tagcheck verifies request/response correlation through a session
// broker.
//
// Usage:
//
//	tagcheck run [--config FILE] [--broker URL] [--db FILE] [--scenario NAME]...
//	tagcheck trace FILE
//	tagcheck history --db FILE [--run ID]
package main

import (
	"fmt"
	"os"

	"tagcheck/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
