package render

import "github.com/charmbracelet/lipgloss"

// Palette, muted pastels on a dark terminal
var (
	ColorUserText      = lipgloss.Color("#FFB000") // amber
	ColorAssistantText = lipgloss.Color("#00FF87") // mint
	ColorToolText      = lipgloss.Color("#FF80FF") // magenta
	ColorBorder        = lipgloss.Color("#FFD700") // gold
	ColorBorderError   = lipgloss.Color("#FF6347") // tomato
	ColorHeaderText    = lipgloss.Color("#AFAFAF")
	ColorDimText       = lipgloss.Color("#A9A9A9")
	ColorSource        = lipgloss.Color("#B0E0E6") // powder blue
)
