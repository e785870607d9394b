// Package tui is the terminal front end of a segmentation session: slice
// browsing, brush edits, undo/redo, layer selection and AI box segmentation.
package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mrsinham/dicomseg/internal/aiseg"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/dicom"
	"github.com/mrsinham/dicomseg/internal/labelmap"
	"github.com/mrsinham/dicomseg/internal/render"
	"github.com/mrsinham/dicomseg/internal/session"
)

// Notes exposes the latest user notification.
type Notes interface {
	Last() (aiseg.Notification, bool)
}

// Options configures the TUI.
type Options struct {
	ViewportID string
	Series     dicom.Series
	// Layer is selected on start when set.
	Layer string
	Notes Notes
	// PreviewDir is where the renderer writes overlays, shown for reference.
	PreviewDir  string
	BrushRadius float64
}

type mode int

const (
	modeBrowse mode = iota
	modeLayerForm
	modeBoxForm
)

// aiDoneMsg is sent once the inference worker is idle again.
type aiDoneMsg struct{}

// Model is the bubbletea model of a session.
type Model struct {
	session *session.Session
	opts    Options

	slice int
	mode  mode
	form  *huh.Form

	layerInput string
	boxInput   string

	busy     bool
	status   string
	err      error
	width    int
	quitting bool
}

// New opens the series on the session and returns the initial model.
func New(ctx context.Context, s *session.Session, opts Options) (*Model, error) {
	if len(opts.Series.Instances) == 0 {
		return nil, errors.New("series has no images")
	}
	if opts.BrushRadius <= 0 {
		opts.BrushRadius = 3
	}
	if _, err := s.OpenViewport(ctx, opts.ViewportID, opts.Series.ImageIDs(), opts.Series.InstanceMap()); err != nil {
		return nil, err
	}
	if opts.Layer != "" {
		if err := s.SelectLayer(opts.ViewportID, opts.Layer); err != nil {
			return nil, err
		}
	}
	return &Model{
		session: s,
		opts:    opts,
		slice:   len(opts.Series.Instances) / 2,
	}, nil
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case aiDoneMsg:
		m.busy = false
		if st := m.session.Controller().State(); st.Err != "" {
			m.err = errors.New(st.Err)
		}
		return m, nil
	}

	switch m.mode {
	case modeLayerForm, modeBoxForm:
		return m.updateForm(msg)
	}

	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	m.err = nil
	m.status = ""

	switch key.String() {
	case "ctrl+c", "q":
		if m.busy {
			m.session.CancelAI()
		}
		m.quitting = true
		return m, tea.Quit
	case "left", "h":
		m.moveSlice(-1)
	case "right", "l":
		m.moveSlice(1)
	case "home":
		m.slice = 0
	case "end":
		m.slice = len(m.opts.Series.Instances) - 1
	case "p":
		m.paint(1)
	case "e":
		m.paint(0)
	case "u":
		if !m.session.Undo(m.opts.ViewportID) {
			m.status = "Nothing to undo"
		}
	case "r":
		if !m.session.Redo(m.opts.ViewportID) {
			m.status = "Nothing to redo"
		}
	case "L":
		return m, m.openLayerForm()
	case "D":
		m.deleteLayer()
	case "a":
		return m, m.startAI()
	case "c", "esc":
		m.session.CancelAI()
	}
	return m, nil
}

func (m *Model) moveSlice(delta int) {
	m.slice = max(0, min(len(m.opts.Series.Instances)-1, m.slice+delta))
}

// paint stamps the brush at the centre of the current slice.
func (m *Model) paint(label byte) {
	cx, cy := m.sliceCenter()
	n, err := m.session.Paint(m.opts.ViewportID, m.slice, cx, cy, m.opts.BrushRadius, label)
	if err != nil {
		m.err = err
		return
	}
	m.status = fmt.Sprintf("%d pixels changed", n)
}

func (m *Model) sliceCenter() (float64, float64) {
	im, ok := m.session.Cache().Get(labelmap.DerivedImageID(m.opts.ViewportID, m.slice))
	if !ok {
		return 0, 0
	}
	return float64(im.Columns) / 2, float64(im.Rows) / 2
}

func (m *Model) deleteLayer() {
	layerID, ok := m.session.ActiveLayer()
	if !ok {
		m.err = session.ErrNoLayerSelected
		return
	}
	if err := m.session.DeleteLayer(context.Background(), layerID); err != nil {
		m.err = err
		return
	}
	m.status = fmt.Sprintf("Layer %s deleted", layerID)
}

func (m *Model) openLayerForm() tea.Cmd {
	m.mode = modeLayerForm
	m.layerInput, _ = m.session.ActiveLayer()
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("layer").
				Title("Layer").
				Description("Layer receiving brush edits and AI results").
				Value(&m.layerInput).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("layer name is required")
					}
					return nil
				}),
		),
	).WithShowHelp(false)
	return m.form.Init()
}

func (m *Model) startAI() tea.Cmd {
	started, err := m.session.StartAI(m.opts.ViewportID, m.slice)
	if err != nil {
		m.err = err
		return nil
	}
	if !started {
		return nil
	}

	m.mode = modeBoxForm
	m.boxInput = m.defaultBox().String()
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("bbox").
				Title("Bounding box").
				Description("minX,minY,maxX,maxY in pixels").
				Value(&m.boxInput).
				Validate(func(s string) error {
					_, err := annotation.ParseBBox(s)
					return err
				}),
		),
	).WithShowHelp(false)
	return m.form.Init()
}

// defaultBox covers the middle half of the slice.
func (m *Model) defaultBox() annotation.BBox {
	cx, cy := m.sliceCenter()
	return annotation.BBox{cx / 2, cy / 2, cx * 1.5, cy * 1.5}
}

func (m *Model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "esc":
			if m.mode == modeBoxForm {
				m.session.CancelAI()
			}
			m.mode = modeBrowse
			return m, nil
		case "ctrl+c":
			m.session.CancelAI()
			m.quitting = true
			return m, tea.Quit
		}
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		done := m.mode
		m.mode = modeBrowse
		if done == modeLayerForm {
			return m, m.submitLayer(m.layerInput)
		}
		return m, m.submitBox(m.boxInput)
	case huh.StateAborted:
		if m.mode == modeBoxForm {
			m.session.CancelAI()
		}
		m.mode = modeBrowse
		return m, nil
	}
	return m, cmd
}

func (m *Model) submitLayer(layerID string) tea.Cmd {
	layerID = strings.TrimSpace(layerID)
	if err := m.session.SelectLayer(m.opts.ViewportID, layerID); err != nil {
		m.err = err
		return nil
	}
	if ok, err := m.session.LoadLayer(context.Background(), layerID); err == nil && ok {
		m.status = fmt.Sprintf("Layer %s loaded", layerID)
	} else {
		m.status = fmt.Sprintf("Layer %s selected", layerID)
	}
	return nil
}

// submitBox hands the box to the AI controller and waits for the outcome in
// the background.
func (m *Model) submitBox(text string) tea.Cmd {
	box, err := annotation.ParseBBox(text)
	if err != nil {
		m.session.CancelAI()
		m.err = err
		return nil
	}
	m.session.DrawBoundingBox(m.opts.ViewportID, box)
	m.busy = true
	s := m.session
	return func() tea.Msg {
		s.Wait()
		return aiDoneMsg{}
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	title := titleStyle.Render("dicomseg")
	desc := m.opts.Series.Description
	if desc == "" {
		desc = m.opts.Series.SeriesUID
	}
	subtitle := subtitleStyle.Render(fmt.Sprintf("%s  %s", m.opts.Series.Modality, desc))

	if m.mode != modeBrowse && m.form != nil {
		return lipgloss.JoinVertical(lipgloss.Left,
			title,
			subtitle,
			m.form.View(),
			"",
			hintStyle.Render("Enter: Confirm | Esc: Back"),
		)
	}

	inst := m.opts.Series.Instances[m.slice]
	layer, ok := m.session.ActiveLayer()
	if !ok {
		layer = "(none)"
	}
	st := m.session.Controller().State()
	undo, redo := m.session.HistoryDepth(m.opts.ViewportID)
	historyText := fmt.Sprintf("%d undo, %d redo", undo, redo)
	if last, ok := m.session.LastEdit(m.opts.ViewportID); ok {
		historyText += " (last " + last + ")"
	}

	rows := []string{
		row("Slice", fmt.Sprintf("%d/%d (instance %d)", m.slice+1, len(m.opts.Series.Instances), inst.InstanceNumber)),
		row("Layer", layer),
		row("AI", aiStatus(st, m.busy)),
		row("History", historyText),
	}
	if m.opts.PreviewDir != "" {
		path := filepath.Join(m.opts.PreviewDir, render.FileName(labelmap.DerivedImageID(m.opts.ViewportID, m.slice)))
		rows = append(rows, row("Preview", path))
	}

	var messages []string
	if m.opts.Notes != nil {
		if n, ok := m.opts.Notes.Last(); ok {
			style := infoStyle
			if n.Level == "error" {
				style = errorStyle
			}
			messages = append(messages, style.Render(n.Text))
		}
	}
	if m.status != "" {
		messages = append(messages, infoStyle.Render(m.status))
	}
	if m.err != nil {
		messages = append(messages, errorStyle.Render("Error: "+m.err.Error()))
	}

	help := hintStyle.Render("←/→: Slice | p/e: Paint/Erase | u/r: Undo/Redo | a: AI box | c: Cancel | L: Layer | D: Delete layer | q: Quit")

	parts := append([]string{title, subtitle}, rows...)
	parts = append(parts, "")
	parts = append(parts, messages...)
	parts = append(parts, "", help)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func aiStatus(st aiseg.State, busy bool) string {
	switch {
	case busy || st.Loading:
		return "segmenting..."
	case st.AIMode:
		return "waiting for a bounding box"
	case st.Err != "":
		return "failed"
	case st.LastResult != nil:
		return "done"
	}
	return "idle"
}

// Run opens the series and runs the TUI until the user quits or ctx ends.
func Run(ctx context.Context, s *session.Session, opts Options) error {
	m, err := New(ctx, s, opts)
	if err != nil {
		return err
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("running interactive session: %w", err)
	}
	return nil
}
