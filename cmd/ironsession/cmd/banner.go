package cmd

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

func printBanner(tagline string) {
	figure.NewColorFigure("IronSession", "standard", "blue", true).Print()
	fmt.Printf("\x1b[32m  %s - Version %s\x1b[0m\n\n", tagline, Version)
}
