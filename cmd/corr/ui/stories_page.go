package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"corr/internal/evidence"
	"corr/internal/insight"
)

// StoriesPageModel browses the stories of one run: a selectable list
// with the selected story's timeline and insights expanded in place.
type StoriesPageModel struct {
	viewport viewport.Model
	styles   Styles
	width    int
	height   int

	stories  []evidence.Story
	insights map[string]insight.Insights
	selected int
}

// NewStoriesPageModel creates an empty stories page.
func NewStoriesPageModel(styles Styles) StoriesPageModel {
	vp := viewport.New(80, 20)
	return StoriesPageModel{viewport: vp, styles: styles, width: 80, height: 20}
}

// SetData replaces the page content with one run's stories.
func (m *StoriesPageModel) SetData(stories []evidence.Story, ins []insight.Insights) {
	m.stories = stories
	m.insights = make(map[string]insight.Insights, len(ins))
	for _, i := range ins {
		m.insights[i.StoryID] = i
	}
	m.selected = 0
	m.rebuild()
}

// SetSize updates the viewport dimensions.
func (m *StoriesPageModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = h
	m.rebuild()
}

// Update handles navigation.
func (m StoriesPageModel) Update(msg tea.Msg) (StoriesPageModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "j", "down":
			if m.selected < len(m.stories)-1 {
				m.selected++
				m.rebuild()
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
				m.rebuild()
			}
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
func (m StoriesPageModel) View() string {
	if len(m.stories) == 0 {
		return m.styles.Muted.Render("  No stories in this run.")
	}
	return m.viewport.View()
}

func (m *StoriesPageModel) rebuild() {
	var sb strings.Builder
	for i, st := range m.stories {
		line := fmt.Sprintf("%2d. %s  %s",
			i+1, spanLabel(st.TMin, st.TMax), truncate(st.Title, m.width-36))
		meta := fmt.Sprintf("  %d items / %d sources", st.MemberCount, len(st.SourceCounts))
		if i == m.selected {
			sb.WriteString(m.styles.Selected.Render(line))
			sb.WriteString(m.styles.Muted.Render(meta))
			sb.WriteString("\n")
			sb.WriteString(m.renderDetail(st))
		} else {
			sb.WriteString(m.styles.Body.Render(line))
			sb.WriteString(m.styles.Muted.Render(meta))
			sb.WriteString("\n")
		}
	}
	m.viewport.SetContent(sb.String())
}

func (m *StoriesPageModel) renderDetail(st evidence.Story) string {
	ins, ok := m.insights[st.ID]
	if !ok {
		return ""
	}

	var sb strings.Builder
	indent := "    "

	if len(ins.Technologies) > 0 {
		names := make([]string, 0, len(ins.Technologies))
		for _, t := range ins.Technologies {
			names = append(names, t.Name)
		}
		sb.WriteString(indent)
		sb.WriteString(m.styles.Subtitle.Render(strings.Join(names, ", ")))
		sb.WriteString("\n")
	}
	if len(ins.Flags) > 0 {
		sb.WriteString(indent)
		for _, f := range ins.Flags {
			sb.WriteString(m.styles.Badge.Render(string(f)))
			sb.WriteString(" ")
		}
		sb.WriteString("\n")
	}
	col := ins.Collaboration
	sb.WriteString(indent)
	sb.WriteString(m.styles.Muted.Render(fmt.Sprintf(
		"%d authors, %d cross-source links, %d discussion items",
		col.Authors, col.CrossSource, col.CommentLike)))
	sb.WriteString("\n")

	for _, ev := range ins.Timeline {
		mark := "  "
		if ev.PhaseStart {
			mark = m.styles.Good.Render("▶ ")
		}
		sb.WriteString(indent)
		sb.WriteString(mark)
		sb.WriteString(m.styles.Muted.Render(ev.Timestamp.Format("Jan 02 15:04")))
		sb.WriteString(fmt.Sprintf("  %-13s %-10s ", ev.Kind, ev.Source))
		sb.WriteString(m.styles.Body.Render(truncate(ev.Title, m.width-48)))
		if ev.SincePrev > 0 {
			sb.WriteString(m.styles.Muted.Render("  +" + shortGap(ev.SincePrev)))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func spanLabel(from, to time.Time) string {
	if from.IsZero() {
		return strings.Repeat(" ", 16)
	}
	if from.Format("Jan 02") == to.Format("Jan 02") {
		return from.Format("Jan 02") + strings.Repeat(" ", 10)
	}
	return from.Format("Jan 02") + " .. " + to.Format("Jan 02")
}

func shortGap(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if n < 8 {
		n = 8
	}
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
