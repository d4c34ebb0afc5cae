package main

import (
	"os"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
