package cmd

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

func printBanner() {
	fmt.Print("\x1b[34m")
	figure.NewFigure("rollcall", "cybermedium", true).Print()
	fmt.Print("\x1b[0m")
	fmt.Printf("\x1b[32m  Rotating-token attendance - Version %s\x1b[0m\n\n", Version)
}
