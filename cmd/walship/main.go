package main

import (
	"os"

	"github.com/alpacahq/walship/cmd"
	"github.com/alpacahq/walship/utils/log"
)

func main() {
	err := cmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}
