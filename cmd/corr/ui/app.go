package ui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"corr/internal/budget"
	"corr/internal/evidence"
	"corr/internal/insight"
)

type page int

const (
	pageStories page = iota
	pageBudget
)

// AppModel is the top-level browser: a header naming the run, two
// switchable pages, and a key-hint footer.
type AppModel struct {
	styles Styles
	page   page

	stories StoriesPageModel
	budget  BudgetPageModel

	runID string
	state string

	width  int
	height int
	ready  bool
}

// NewAppModel creates the browser shell for one run.
func NewAppModel(runID, state string) AppModel {
	styles := DefaultStyles()
	return AppModel{
		styles:  styles,
		stories: NewStoriesPageModel(styles),
		budget:  NewBudgetPageModel(styles),
		runID:   runID,
		state:   state,
	}
}

// SetStories loads the stories page.
func (m *AppModel) SetStories(stories []evidence.Story, ins []insight.Insights) {
	m.stories.SetData(stories, ins)
}

// SetBudget loads the budget page.
func (m *AppModel) SetBudget(snap budget.Snapshot) {
	m.budget.SetData(snap)
}

// Init implements tea.Model.
func (m AppModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "b", "s":
			if m.page == pageStories {
				m.page = pageBudget
			} else {
				m.page = pageStories
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		content := msg.Height - 4
		if content < 4 {
			content = 4
		}
		m.stories.SetSize(msg.Width, content)
		m.budget.SetSize(msg.Width, content)
		m.ready = true
		return m, nil
	}

	var cmd tea.Cmd
	switch m.page {
	case pageStories:
		m.stories, cmd = m.stories.Update(msg)
	case pageBudget:
		m.budget, cmd = m.budget.Update(msg)
	}
	return m, cmd
}

// View implements tea.Model.
func (m AppModel) View() string {
	if !m.ready {
		return "loading..."
	}

	title := m.styles.Header.Render(" corr ")
	run := m.styles.Subtitle.Render(" run " + m.runID)
	state := m.styles.StateStyle(m.state).Render(" " + m.state)
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, run, state)

	var body string
	var hint string
	switch m.page {
	case pageStories:
		body = m.stories.View()
		hint = "j/k select · pgup/pgdn scroll · tab budget · q quit"
	case pageBudget:
		body = m.budget.View()
		hint = "j/k scroll · tab stories · q quit"
	}

	footer := m.styles.Footer.Render(hint)
	divider := m.styles.RenderDivider(m.width)

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(divider)
	sb.WriteString("\n")
	sb.WriteString(body)
	sb.WriteString("\n")
	sb.WriteString(footer)
	return sb.String()
}
