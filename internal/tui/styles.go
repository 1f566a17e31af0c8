package tui

import "github.com/charmbracelet/lipgloss"

var (
	accentPrimary   = lipgloss.Color("#50E3C2")
	accentSecondary = lipgloss.Color("#F6AE2D")
	mutedText       = lipgloss.Color("#8CA1AE")
	warningText     = lipgloss.Color("#FF6B6B")
	panelBorder     = lipgloss.Color("#2D6A80")
)

// 每个显示类别一个颜色
var classColors = map[string]lipgloss.Color{
	"pending":   lipgloss.Color("#8CA1AE"),
	"submitted": lipgloss.Color("#7AA2F7"),
	"acked":     lipgloss.Color("#F6AE2D"),
	"succeeded": lipgloss.Color("#50E3C2"),
	"failed":    lipgloss.Color("#FF6B6B"),
	"cancelled": lipgloss.Color("#BB9AF7"),
}

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	subHeaderStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	statusStyle = lipgloss.NewStyle().
			Foreground(accentSecondary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	countStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(panelBorder)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(mutedText)

	selectedStyle = lipgloss.NewStyle().
			Reverse(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)
)

func classStyle(class string) lipgloss.Style {
	c, ok := classColors[class]
	if !ok {
		c = mutedText
	}
	return lipgloss.NewStyle().Foreground(c)
}
