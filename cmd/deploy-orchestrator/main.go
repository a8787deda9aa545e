package main

import (
	"os"

	"github.com/helvethink/deploy-orchestrator/internal/cli"
)

var version = "devel"

func main() {
	cli.Run(version, os.Args)
}
