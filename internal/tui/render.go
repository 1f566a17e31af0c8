package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vigil/internal/jobstate"
	"vigil/internal/logtail"

	"github.com/charmbracelet/lipgloss"
)

const timeLayout = "2006-01-02 15:04:05"

// NoOutput 流正常结束但没有任何内容时显示的文字
const NoOutput = "no output"

// renderCounts 计数行，固定桶顺序，后面跟 queue/total
func renderCounts(v jobstate.View) string {
	cells := make([]string, 0, len(v.Counts)+2)
	for _, c := range v.Counts {
		label := classStyle(string(c.Bucket)).Render(string(c.Bucket))
		cells = append(cells, countStyle.Render(fmt.Sprintf("%s %d", label, c.N)))
	}
	cells = append(cells, countStyle.Render(fmt.Sprintf("queue %d", v.Queue)))
	cells = append(cells, lipgloss.NewStyle().Padding(0, 1).Render(fmt.Sprintf("total %d", v.Total)))
	return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
}

// renderLink 推送通道状态 + agent 健康
func renderLink(v jobstate.View) string {
	switch v.Link {
	case jobstate.LinkOpen:
		health := "not ready"
		if v.IsReady {
			health = "ready"
		}
		if v.IsShutdown {
			health = "shutting down"
		}
		return statusStyle.Render("connected | agent " + health)
	case jobstate.LinkConnecting:
		return statusStyle.Render("connecting...")
	case jobstate.LinkError:
		return errorStyle.Render("disconnected: " + v.LinkErr)
	default:
		return subHeaderStyle.Render("disconnected")
	}
}

var tableColumns = []struct {
	title string
	width int
}{
	{"#", 5},
	{"JID", 14},
	{"STATE", 11},
	{"NAME", 18},
	{"COMMAND", 50},
	{"CREATED", 19},
	{"UPDATED", 19},
}

func cell(s string, width int) string {
	r := []rune(s)
	if len(r) > width {
		r = r[:width]
	}
	return string(r) + strings.Repeat(" ", width-len(r))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

// renderTable 合并任务表。rows 已经按 index 排好序，cursor 行反色显示。
func renderTable(rows []jobstate.Row, cursor int) string {
	var b strings.Builder
	header := make([]string, 0, len(tableColumns))
	for _, c := range tableColumns {
		header = append(header, cell(c.title, c.width))
	}
	b.WriteString(tableHeaderStyle.Render(strings.Join(header, " ")))

	if len(rows) == 0 {
		b.WriteString("\n")
		b.WriteString(subHeaderStyle.Render("no jobs"))
		return b.String()
	}

	for i, r := range rows {
		updated := ""
		if r.Updated != nil {
			updated = formatTime(*r.Updated)
		}
		fields := []string{
			strconv.Itoa(r.Index),
			r.JID,
			string(r.State),
			r.Name,
			r.Command,
			formatTime(r.Created),
			updated,
		}
		cols := make([]string, len(fields))
		for j, f := range fields {
			cols[j] = cell(f, tableColumns[j].width)
		}
		cols[2] = classStyle(r.Class).Render(cols[2])
		line := strings.Join(cols, " ")
		if i == cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// logBody 日志区内容
func logBody(v logtail.View) string {
	if v.Empty {
		return NoOutput
	}
	return v.Text
}

// logStatus 日志区标题旁的状态说明
func logStatus(v logtail.View) string {
	switch v.State {
	case logtail.StateIdle:
		return "connecting..."
	case logtail.StateStreaming:
		return "following"
	case logtail.StateFallback:
		return "stream lost, loading archive..."
	case logtail.StateLoaded:
		return "loaded from archive"
	case logtail.StateFailed:
		return "archive unavailable"
	case logtail.StateClosed:
		return "stream finished"
	default:
		return v.State.String()
	}
}

func renderPanel(title, body string, width int) string {
	style := panelStyle
	if width > 4 {
		style = style.Width(width - 2)
	}
	return style.Render(headerStyle.Render(title) + "\n" + body)
}
