package main

import (
	"os"

	"groupcast/cmd/groupcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
