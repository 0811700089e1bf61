package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the arbor banner to w in the terminal's color profile.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{`   __ _ _ __| |__   ___  _ __ `, "#34d399"},
		{`  / _' | '__| '_ \ / _ \| '__|`, "#10b981"},
		{` | (_| | |  | |_) | (_) | |   `, "#059669"},
		{`  \__,_|_|  |_.__/ \___/|_|   `, "#047857"},
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}
