package ssd1322

import (
	"bytes"
	"image"
	"testing"

	"github.com/flavioheleno/voltscope/image4bit"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func newTestDev(w, h int) (*Dev, *conntest.Record, *gpiotest.Pin) {
	rec := &conntest.Record{}
	dc := &gpiotest.Pin{N: "DC"}
	return newDev(rec, dc, &Opts{W: w, H: h}), rec, dc
}

func TestOptsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Opts
		wantErr bool
	}{
		{"valid 256x64", &Opts{W: 256, H: 64}, false},
		{"valid 128x64", &Opts{W: 128, H: 64}, false},
		{"valid 4x1 (minimum)", &Opts{W: 4, H: 1}, false},
		{"not a multiple of 4", &Opts{W: 254, H: 64}, true},
		{"width zero", &Opts{W: 0, H: 64}, true},
		{"width > 480", &Opts{W: 512, H: 64}, true},
		{"height zero", &Opts{W: 256, H: 0}, true},
		{"height > 128", &Opts{W: 256, H: 200}, true},
		{"rotated (valid)", &Opts{W: 256, H: 64, Rotated: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevColumnOffset(t *testing.T) {
	tests := []struct {
		name       string
		width      int
		wantOffset int
	}{
		{"256 width", 256, 112},
		{"128 width", 128, 176},
		{"480 width (full)", 480, 0},
		{"252 width", 252, 112},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDev(tt.width, 64)
			if d.columnOffset != tt.wantOffset {
				t.Errorf("columnOffset = %d, want %d", d.columnOffset, tt.wantOffset)
			}
		})
	}
}

func TestDevBasics(t *testing.T) {
	d, _, _ := newTestDev(256, 64)
	if want := image.Rect(0, 0, 256, 64); d.Bounds() != want {
		t.Errorf("Bounds() = %v, want %v", d.Bounds(), want)
	}
	if d.ColorModel() != image4bit.Gray4Model {
		t.Error("ColorModel() did not return Gray4Model")
	}
	if want := "ssd1322.Dev{256x64}"; d.String() != want {
		t.Errorf("String() = %q, want %q", d.String(), want)
	}
}

func TestFlushNothingChanged(t *testing.T) {
	d, rec, _ := newTestDev(16, 4)
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 0 {
		t.Errorf("Flush() sent %d transfers, want 0", len(rec.Ops))
	}
}

func TestFlushDirtyRegion(t *testing.T) {
	d, rec, dc := newTestDev(16, 4)

	d.Set(5, 1, image4bit.Gray4{Y: 0xA})
	d.Set(6, 2, image4bit.Gray4{Y: 0x3})
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(rec.Ops) != 2 {
		t.Fatalf("Flush() sent %d transfers, want 2", len(rec.Ops))
	}
	// 16 wide panel: offset (120-4)/2*4 = 232 pixels, columns 4..7 -> address 59.
	wantCmd := []byte{0x15, 59, 59, 0x75, 1, 2, 0x5C}
	if !bytes.Equal(rec.Ops[0].W, wantCmd) {
		t.Errorf("command = % X, want % X", rec.Ops[0].W, wantCmd)
	}
	// Columns 4..7 of rows 1 and 2.
	wantData := []byte{0x0A, 0x00, 0x00, 0x30}
	if !bytes.Equal(rec.Ops[1].W, wantData) {
		t.Errorf("data = % X, want % X", rec.Ops[1].W, wantData)
	}
	if dc.Read() != gpio.High {
		t.Error("DC should be high after sending data")
	}

	// Flushed pixels are not sent again.
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 2 {
		t.Errorf("second Flush() sent %d more transfers", len(rec.Ops)-2)
	}
}

func TestSetUnchangedPixel(t *testing.T) {
	d, rec, _ := newTestDev(16, 4)
	d.Set(0, 0, image4bit.Gray4{Y: 0})
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 0 {
		t.Errorf("unchanged pixel caused %d transfers", len(rec.Ops))
	}
}

func TestAtReadsLocalFrame(t *testing.T) {
	d, _, _ := newTestDev(16, 4)
	d.Set(3, 3, image4bit.Gray4{Y: 9})
	if g := d.At(3, 3).(image4bit.Gray4); g.Y != 9 {
		t.Errorf("At(3, 3) = %v, want 9", g)
	}
}

func TestDraw(t *testing.T) {
	d, rec, _ := newTestDev(16, 4)
	src := image.NewUniform(image4bit.Gray4{Y: 15})
	if err := d.Draw(image.Rect(8, 0, 12, 1), src, image.Point{}); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 2 {
		t.Fatalf("Draw() sent %d transfers, want 2", len(rec.Ops))
	}
	if want := []byte{0xFF, 0xFF}; !bytes.Equal(rec.Ops[1].W, want) {
		t.Errorf("data = % X, want % X", rec.Ops[1].W, want)
	}

	// Outside the panel.
	if err := d.Draw(image.Rect(100, 100, 110, 110), src, image.Point{}); err != nil {
		t.Errorf("Draw() outside bounds error = %v", err)
	}
}

func TestDevHalt(t *testing.T) {
	d, rec, _ := newTestDev(256, 64)

	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.Ops); n != 1 || !bytes.Equal(rec.Ops[0].W, []byte{0xAE}) {
		t.Errorf("Halt() sent %v, want display off", rec.Ops)
	}

	if err := d.SetContrast(100); err == nil {
		t.Error("SetContrast should fail when halted")
	}
	if err := d.Flush(); err == nil {
		t.Error("Flush should fail when halted")
	}
	if err := d.Draw(d.Bounds(), image.NewRGBA(d.Bounds()), image.Point{}); err == nil {
		t.Error("Draw should fail when halted")
	}
}

func TestSetContrast(t *testing.T) {
	d, rec, _ := newTestDev(256, 64)
	if err := d.SetContrast(0x80); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xC1, 0x80}; !bytes.Equal(rec.Ops[0].W, want) {
		t.Errorf("SetContrast sent % X, want % X", rec.Ops[0].W, want)
	}
}

func TestInitClearsPanel(t *testing.T) {
	d, rec, _ := newTestDev(8, 2)
	if err := d.init(&Opts{W: 8, H: 2}); err != nil {
		t.Fatal(err)
	}
	n := len(rec.Ops)
	if n < 4 {
		t.Fatalf("init sent %d transfers", n)
	}
	// ... window, zeroed frame, display on.
	if want := make([]byte, 8); !bytes.Equal(rec.Ops[n-2].W, want) {
		t.Errorf("clear data = % X, want % X", rec.Ops[n-2].W, want)
	}
	if want := []byte{0xAF}; !bytes.Equal(rec.Ops[n-1].W, want) {
		t.Errorf("last command = % X, want AF", rec.Ops[n-1].W)
	}
}
