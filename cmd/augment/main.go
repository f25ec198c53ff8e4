package main

import (
	"os"

	"github.com/hashicorp-forge/augment/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
