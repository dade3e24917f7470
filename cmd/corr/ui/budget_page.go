package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"corr/internal/budget"
)

// BudgetPageModel shows the monthly ledger: cap, spend, reservation,
// degradation level, and per-tier counters.
type BudgetPageModel struct {
	viewport viewport.Model
	styles   Styles
	width    int
	height   int

	snap budget.Snapshot
	set  bool
}

// NewBudgetPageModel creates an empty budget page.
func NewBudgetPageModel(styles Styles) BudgetPageModel {
	vp := viewport.New(80, 20)
	return BudgetPageModel{viewport: vp, styles: styles, width: 80, height: 20}
}

// SetData replaces the snapshot on display.
func (m *BudgetPageModel) SetData(snap budget.Snapshot) {
	m.snap = snap
	m.set = true
	m.rebuild()
}

// SetSize updates the viewport dimensions.
func (m *BudgetPageModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = h
	m.rebuild()
}

// Update handles scrolling.
func (m BudgetPageModel) Update(msg tea.Msg) (BudgetPageModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "j", "down":
			m.viewport.LineDown(1)
		case "k", "up":
			m.viewport.LineUp(1)
		case "pgup":
			m.viewport.HalfViewUp()
		case "pgdown":
			m.viewport.HalfViewDown()
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m BudgetPageModel) View() string {
	if !m.set {
		return m.styles.Muted.Render("  No ledger loaded.")
	}
	return m.viewport.View()
}

func (m *BudgetPageModel) rebuild() {
	if !m.set {
		return
	}
	var sb strings.Builder

	sb.WriteString(m.styles.Title.Render("Monthly budget " + m.snap.Month))
	sb.WriteString("\n\n")

	levelStyle := m.styles.Good
	switch m.snap.LevelName {
	case "warn":
		levelStyle = m.styles.Warn
	case "no_llm", "exhausted":
		levelStyle = m.styles.Bad
	}

	tbl := NewTable("", "Item", "Amount")
	tbl.AddRow("Cap", m.snap.CapMicro.String())
	tbl.AddRow("Spent", m.snap.SpentMicro.String())
	tbl.AddRow("Reserved", m.snap.ReservedMicro.String())
	tbl.AddRow("Level", levelStyle.Render(m.snap.LevelName))
	sb.WriteString(tbl.Render(m.styles))
	sb.WriteString("\n")

	if m.snap.CapMicro > 0 {
		used := float64(m.snap.SpentMicro) / float64(m.snap.CapMicro)
		sb.WriteString(m.renderBar(used))
		sb.WriteString("\n\n")
	}

	counters := NewTable("Tier counters", "Tier", "Requests", "Tokens")
	counters.AddRow("embedding",
		fmt.Sprintf("%d", m.snap.Counters.EmbedRequests),
		fmt.Sprintf("%d", m.snap.Counters.EmbedTokens))
	counters.AddRow("adjudication",
		fmt.Sprintf("%d", m.snap.Counters.LLMRequests),
		fmt.Sprintf("%d", m.snap.Counters.LLMTokens))
	sb.WriteString(counters.Render(m.styles))

	m.viewport.SetContent(sb.String())
}

// renderBar draws a spend bar scaled to the page width.
func (m *BudgetPageModel) renderBar(used float64) string {
	if used < 0 {
		used = 0
	}
	if used > 1 {
		used = 1
	}
	width := m.width - 12
	if width < 10 {
		width = 10
	}
	filled := int(used * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	style := m.styles.Good
	if used >= 0.9 {
		style = m.styles.Bad
	} else if used >= 0.75 {
		style = m.styles.Warn
	}
	return "  " + style.Render(bar) + fmt.Sprintf(" %3.0f%%", used*100)
}
