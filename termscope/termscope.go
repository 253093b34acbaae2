// Package termscope shows the strip chart on a terminal.
//
// Every chart pixel is one terminal cell painted with its background color,
// and the readout is printed on the status line right below the chart.
package termscope

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gdamore/tcell"
	runewidth "github.com/mattn/go-runewidth"
)

// ErrTooSmall is returned when the terminal cannot fit the chart and its
// status line.
type ErrTooSmall struct {
	Width, Height int
	Need          image.Point
}

func (e ErrTooSmall) Error() string {
	return fmt.Sprintf("termscope: %vx%v terminal too small, need %vx%v", e.Width, e.Height, e.Need.X, e.Need.Y)
}

// Opts is the configuration for the terminal chart.
type Opts struct {
	W, H int // Chart size in cells
}

// Screen is a render.Canvas and readout.Writer backed by a terminal.
type Screen struct {
	screen tcell.Screen
	rect   image.Rectangle
	status tcell.Style

	interrupts chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once
}

// New takes over the controlling terminal.
func New(opts Opts) (*Screen, error) {
	tcell.SetEncodingFallback(tcell.EncodingFallbackASCII)
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("termscope: %w", err)
	}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("termscope: %w", err)
	}
	return newScreen(s, opts)
}

// newScreen wraps an initialized screen. s is finalized on error.
func newScreen(s tcell.Screen, opts Opts) (*Screen, error) {
	if opts.W <= 0 || opts.H <= 0 {
		s.Fini()
		return nil, fmt.Errorf("termscope: invalid chart size %dx%d", opts.W, opts.H)
	}
	need := image.Pt(opts.W, opts.H+1)
	if w, h := s.Size(); w < need.X || h < need.Y {
		s.Fini()
		return nil, ErrTooSmall{Width: w, Height: h, Need: need}
	}

	t := &Screen{
		screen:     s,
		rect:       image.Rect(0, 0, opts.W, opts.H),
		status:     tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorBlack),
		interrupts: make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	// Never-drawn cells match the chart background.
	s.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack))
	s.Clear()
	s.Show()
	go t.pollLoop()
	return t, nil
}

// tcell takes over key events and signals, so Ctrl-C arrives here as a key.
func (t *Screen) pollLoop() {
	defer close(t.doneCh)
	for {
		event := t.screen.PollEvent()
		if event == nil {
			return
		}
		switch event := event.(type) {
		case *tcell.EventKey:
			switch event.Key() {
			case tcell.KeyCtrlC, tcell.KeyEsc:
				t.interrupt()
			case tcell.KeyRune:
				if event.Rune() == 'q' {
					t.interrupt()
				}
			}
		case *tcell.EventResize:
			t.screen.Sync()
		}
	}
}

func (t *Screen) interrupt() {
	select {
	case t.interrupts <- struct{}{}:
	default:
	}
}

// Interrupts receives a value when the user asks to quit (Esc, Ctrl-C or q).
func (t *Screen) Interrupts() <-chan struct{} {
	return t.interrupts
}

// Bounds returns the chart area.
func (t *Screen) Bounds() image.Rectangle {
	return t.rect
}

// Set paints the cell at (x, y) with c.
func (t *Screen) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}.In(t.rect)) {
		return
	}
	t.screen.SetContent(x, y, ' ', nil, tcell.StyleDefault.Background(cellColor(c)))
}

func cellColor(c color.Color) tcell.Color {
	r, g, b, _ := c.RGBA()
	return tcell.NewRGBColor(int32(r>>8), int32(g>>8), int32(b>>8))
}

// Flush shows the cells painted since the previous Flush.
func (t *Screen) Flush() error {
	t.screen.Show()
	return nil
}

// WriteText replaces the status line, truncated to the chart width.
func (t *Screen) WriteText(s string) error {
	y := t.rect.Max.Y
	for x := 0; x < t.rect.Dx(); x++ {
		t.screen.SetContent(x, y, ' ', nil, t.status)
	}
	x := 0
	for _, r := range runewidth.Truncate(s, t.rect.Dx(), "") {
		t.screen.SetContent(x, y, r, nil, t.status)
		x += runewidth.RuneWidth(r)
	}
	return nil
}

// Close restores the terminal.
func (t *Screen) Close() error {
	t.closeOnce.Do(func() {
		t.screen.Fini()
		<-t.doneCh
	})
	return nil
}
