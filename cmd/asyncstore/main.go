// Command asyncstore reads and writes an asyncstore directory from the
// shell.
package main

import (
	"fmt"
	"os"
)

func main() {
	config := newCliConfig()
	rc, err := run(os.Args[1:], config)
	if err != nil {
		fmt.Fprintf(config.Stderr, "asyncstore: error: %v\n", err)
	}
	os.Exit(rc)
}
