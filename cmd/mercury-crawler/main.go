package main

import (
	"os"

	"github.com/use-agent/mercury-crawler/cmd/mercury-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
