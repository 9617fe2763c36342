package main

import (
	"github.com/stackplane/stackplane-internal/internal/cli"
)

func main() {
	cli.Execute()
}
