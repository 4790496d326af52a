package main

import (
	"os"

	"github.com/hollisfrank/mnemo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
