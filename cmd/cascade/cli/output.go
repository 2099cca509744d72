package cli

import "github.com/fatih/color"

var (
	successStyle = color.New(color.FgGreen, color.Bold)
	errorStyle   = color.New(color.FgRed, color.Bold)
	warningStyle = color.New(color.FgYellow, color.Bold)
	infoStyle    = color.New(color.FgCyan)
	stageStyle   = color.New(color.FgMagenta, color.Bold)
	mutedStyle   = color.New(color.FgHiBlack)
)
