package main

import (
	"log"
	"os"

	"gatekeeper/internal/cli"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
