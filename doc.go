// Package voltscope is a strip-chart voltmeter.
//
// A Monitor samples one analog input every cycle, stores the quantized
// reading in a circular history the width of the chart, and redraws the
// chart with the newest column at the right edge. Only pixels whose content
// changed since the previous cycle are written, so a cycle costs a few
// pixels per column instead of a full frame.
//
//	s, _ := sampler.New(adc, nil)
//	m, _ := voltscope.New(s, dev, &voltscope.Opts{W: 256, H: 56})
//	err := m.Run(ctx)
//
// The chart is drawn on any render.Canvas: the ssd1322 OLED driver, a
// termscope terminal, or any draw.Image.
package voltscope
