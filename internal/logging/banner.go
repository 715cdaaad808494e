package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Logo lines — base fleet ASCII art.
var logoLines = [6]string{
	`  __ _            _   `,
	` / _| | ___  ___ | |_ `,
	`| |_| |/ _ \/ _ \| __|`,
	`|  _| |  __/  __/| |_ `,
	`|_| |_|\___|\___| \__|`,
	`                       `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var swarmArt = [6]string{
	`          _____ `,
	` _____ __/__  / `,
	`|_____|  |/  /  `,
	`       /     /_ `,
	`      /_____/   `,
	`                `,
}

var lieutenantArt = [6]string{
	` _   _____    `,
	`| | |_   _|   `,
	`| |___| |     `,
	`|_____|_|     `,
	`              `,
	`              `,
}

// PrintBanner prints the fleet orchestrator's ASCII art logo with
// mode-specific art appended to the right. Below the art it prints
// version and the VM-service base URL. Colors are used only when
// stderr is a TTY.
func PrintBanner(mode, ver, baseURL string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "swarm":
		modeArt = &swarmArt
		modeColor = green
	case "lieutenant":
		modeArt = &lieutenantArt
		modeColor = yellow
	default: // fleet (combined)
		modeArt = &swarmArt
		modeColor = magenta
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %svm-api%s %s\n\n",
			dim, reset, ver, dim, reset, baseURL)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   vm-api %s\n\n", ver, baseURL)
	}
}
