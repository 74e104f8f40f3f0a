package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/trace/codec"
)

var (
	inspectTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4")).
				Padding(0, 1)

	inspectSelectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4"))

	inspectDetailStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#87CEEB"))

	inspectHelpStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666"))
)

func newInspectCmd() *cobra.Command {
	var formatFlag string

	cmd := &cobra.Command{
		Use:   "inspect <trace>",
		Short: "Browse a recorded trace interactively (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracePath := args[0]
			format, err := resolveFormat(tracePath, formatFlag)
			if err != nil {
				return err
			}
			events, err := codec.DecodeFile(tracePath, format)
			if err != nil {
				return err
			}
			model := newInspectModel(tracePath, events)
			_, err = tea.NewProgram(model).Run()
			return err
		},
	}

	cmd.Flags().StringVarP(&formatFlag, "format", "f", "", "trace format: json or cbor (inferred from path if omitted)")
	return cmd
}

type inspectModel struct {
	path     string
	events   []trace.Event
	selected int
}

func newInspectModel(path string, events []trace.Event) *inspectModel {
	return &inspectModel{path: path, events: events}
}

func (m *inspectModel) Init() tea.Cmd { return nil }

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "j", "down":
		if m.selected < len(m.events)-1 {
			m.selected++
		}
	case "k", "up":
		if m.selected > 0 {
			m.selected--
		}
	}
	return m, nil
}

func (m *inspectModel) View() string {
	var b strings.Builder
	b.WriteString(inspectTitleStyle.Render(fmt.Sprintf(" %s (%d events) ", m.path, len(m.events))))
	b.WriteString("\n\n")

	for i, e := range m.events {
		line := fmt.Sprintf("%4d  %s", i, e.Discriminant())
		if i == m.selected {
			b.WriteString(inspectSelectedStyle.Render(line))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		b.WriteString(inspectDetailStyle.Render(describeEvent(m.events[m.selected])))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inspectHelpStyle.Render("j/k: move  q: quit"))
	return b.String()
}

func describeEvent(e trace.Event) string {
	switch v := e.(type) {
	case trace.ClockNow:
		return fmt.Sprintf("seconds=%d nanoseconds=%d", v.Seconds, v.Nanoseconds)
	case trace.ClockResolution:
		return fmt.Sprintf("seconds=%d nanoseconds=%d", v.Seconds, v.Nanoseconds)
	case trace.MonotonicNow:
		return fmt.Sprintf("nanoseconds=%d", v.Nanoseconds)
	case trace.MonotonicResolution:
		return fmt.Sprintf("nanoseconds=%d", v.Nanoseconds)
	case trace.RandomBytes:
		return fmt.Sprintf("%d byte(s)", len(v.Bytes))
	case trace.RandomU64:
		return fmt.Sprintf("value=%d", v.Value)
	case trace.Environment:
		return fmt.Sprintf("%d entries", len(v.Entries))
	case trace.Arguments:
		return fmt.Sprintf("args=%v", v.Args)
	case trace.InitialCwd:
		if v.Path == nil {
			return "path=<none>"
		}
		return fmt.Sprintf("path=%s", *v.Path)
	case trace.HTTPResponse:
		return fmt.Sprintf("%s %s -> %d (%d byte body)", v.RequestMethod, v.RequestURL, v.Status, len(v.Body))
	default:
		return ""
	}
}
