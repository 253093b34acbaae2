// Package ssd1322 drives an SSD1322 OLED panel over SPI as the strip-chart
// display.
//
// The SSD1322 is a 4-bit grayscale OLED controller with 480×128 pixels of
// RAM. Common panels are 256×64 and 128×64; smaller panels are centered in
// the RAM automatically.
//
// # Hardware Connection
//
//	Display Pin → System Pin
//	GND         → GND
//	VCC         → 3.3V
//	SCL/CLK     → SPI Clock (SCLK)
//	SDA/MOSI    → SPI Data (MOSI)
//	DC          → GPIO (any available pin)
//	CS          → SPI Chip Select (or GND if always selected)
//	RES         → Optional: GPIO for hardware reset
//
// # Drawing
//
// Dev is a draw.Image. Set only updates a local frame; Flush transfers the
// bounding rectangle of the pixels that actually changed, widened to the
// controller's 4-pixel column addressing. A strip chart that changes a few
// pixels per column per cycle therefore costs a short SPI transfer instead of
// a full 8KiB frame:
//
//	dev, _ := ssd1322.NewSPI(spiBus, dcPin, &ssd1322.Opts{W: 256, H: 64})
//	defer dev.Halt()
//
//	dev.Set(10, 20, image4bit.Gray4{Y: 15})
//	dev.Flush()
//
// Dev also implements the display.Drawer interface from periph.io; Draw
// renders an image and flushes in one call.
//
// # Grayscale Colors
//
// The panel shows 16 levels (0-15), see image4bit.Gray4. Other colors are
// converted by luminance.
//
// # Datasheet
//
// https://www.displayfuture.com/Display/datasheet/controller/SSD1322.pdf
package ssd1322
