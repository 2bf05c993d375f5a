// Command karmic runs the accrual and reputation balance service.
package main

import (
	"os"

	"github.com/karmic-network/karmic/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
