package main

import (
	"os"

	"github.com/solatis/hitkeeper/cmd/hitkeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
