package main

import (
	"github.com/deepnoodle-ai/cascade/cmd/cascade/cli"
)

func main() {
	cli.Execute()
}
