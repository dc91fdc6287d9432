package main

import (
	"os"

	"github.com/michaelpento.lv/borrowbot/cmd"
	"github.com/michaelpento.lv/borrowbot/utils"
)

func main() {
	defer utils.CleanupLogger()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
