package main

import (
	"os"

	"github.com/kauschie/knewit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
