// Command forkpool runs and controls a supervised pool of worker processes.
package main

import (
	"os"

	"github.com/forkpool/forkpool/pkg/cli"
)

var version = "dev"

func main() {
	if err := cli.ExecuteWithVersion(version); err != nil {
		os.Exit(1)
	}
}
