// Package portpicker is an interactive serial port chooser.
package portpicker

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

// ErrCancelled is returned by Run when the user quits without choosing.
var ErrCancelled = errors.New("port selection cancelled")

// ErrNoPorts is returned by Run when there is nothing to choose from.
var ErrNoPorts = errors.New("no serial ports found")

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

type item struct {
	port serialport.PortInfo
}

func (i item) Title() string { return i.port.Name }
func (i item) Description() string {
	if !i.port.IsUSB {
		return "serial device"
	}
	desc := fmt.Sprintf("USB %s:%s", i.port.VID, i.port.PID)
	if i.port.Product != "" {
		desc = i.port.Product + " · " + desc
	}
	if i.port.SerialNumber != "" {
		desc += " · S/N " + i.port.SerialNumber
	}
	return desc
}
func (i item) FilterValue() string { return i.port.Name + " " + i.port.Product }

// Model lists ports and records the one chosen with Enter.
type Model struct {
	list     list.Model
	choice   string
	quitting bool
}

// New builds a picker over ports. When current names one of them, it starts
// selected.
func New(ports []serialport.PortInfo, current string) Model {
	items := make([]list.Item, 0, len(ports))
	selected := 0
	for i, p := range ports {
		items = append(items, item{port: p})
		if p.Name == current {
			selected = i
		}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select transmitter port (Enter to connect, q to cancel)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.Select(selected)

	return Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		// Let the filter input have q and enter while it is open.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			if it, ok := m.list.SelectedItem().(item); ok {
				m.choice = it.port.Name
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.choice != "" {
		return quitTextStyle.Render(fmt.Sprintf("Selected %s", m.choice))
	}
	return "\n" + m.list.View()
}

// Choice is the chosen port name, empty until Enter is pressed.
func (m Model) Choice() string {
	return m.choice
}

// Run shows the picker on the terminal and returns the chosen port.
func Run(ports []serialport.PortInfo, current string) (string, error) {
	if len(ports) == 0 {
		return "", ErrNoPorts
	}
	final, err := tea.NewProgram(New(ports, current), tea.WithAltScreen()).Run()
	if err != nil {
		return "", fmt.Errorf("port picker: %w", err)
	}
	choice := final.(Model).Choice()
	if choice == "" {
		return "", ErrCancelled
	}
	return choice, nil
}
