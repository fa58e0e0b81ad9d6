package main

import (
	"os"

	"github.com/webtap/webtap/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
