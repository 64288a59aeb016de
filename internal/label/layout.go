package label

import (
	"fmt"
	"strings"
)

const (
	DefaultWidthDots           = 406
	DefaultHeightDots          = 203
	DefaultMargin              = 8
	DefaultStartFontSize       = 40
	DefaultMinFontSize         = 12
	DefaultCharWidthRatio      = 0.6
	DefaultMetaFraction        = 0.4
	DefaultModuleWidth         = 2
	DefaultBarcodeHeightFactor = 1.5
	DefaultTitleMaxLines       = 2
)

// LabelSpec describes the physical label and the sizing knobs of the
// three-zone product layout. Sizes are in printer dots. A zero Margin means
// DefaultMargin; a negative one means no margin.
type LabelSpec struct {
	WidthDots           int     `json:"width_dots"`
	HeightDots          int     `json:"height_dots"`
	Margin              int     `json:"margin"`
	StartFontSize       int     `json:"start_font_size"`
	MinFontSize         int     `json:"min_font_size"`
	CharWidthRatio      float64 `json:"char_width_ratio"`
	MetaFraction        float64 `json:"meta_fraction"`
	ModuleWidth         int     `json:"module_width"`
	BarcodeHeightFactor float64 `json:"barcode_height_factor"`
	TitleMaxLines       int     `json:"title_max_lines"`
}

func (s *LabelSpec) normalize() {
	if s.WidthDots <= 0 {
		s.WidthDots = DefaultWidthDots
	}
	if s.HeightDots <= 0 {
		s.HeightDots = DefaultHeightDots
	}
	if s.Margin == 0 {
		s.Margin = DefaultMargin
	}
	if s.Margin < 0 || 2*s.Margin >= s.WidthDots {
		s.Margin = -1
	}
	if s.MinFontSize < MinFontFloor {
		s.MinFontSize = DefaultMinFontSize
	}
	if s.StartFontSize < s.MinFontSize {
		s.StartFontSize = max(DefaultStartFontSize, s.MinFontSize)
	}
	if s.CharWidthRatio <= 0 {
		s.CharWidthRatio = DefaultCharWidthRatio
	}
	if s.MetaFraction <= 0 || s.MetaFraction >= 1 {
		s.MetaFraction = DefaultMetaFraction
	}
	if s.ModuleWidth < 1 {
		s.ModuleWidth = DefaultModuleWidth
	}
	if s.BarcodeHeightFactor <= 0 {
		s.BarcodeHeightFactor = DefaultBarcodeHeightFactor
	}
	if s.TitleMaxLines < 1 {
		s.TitleMaxLines = DefaultTitleMaxLines
	}
}

func (s LabelSpec) margin() int {
	return max(s.Margin, 0)
}

// Product holds the field values printed on a shelf label.
type Product struct {
	SKU     string `json:"sku"`
	Title   string `json:"title"`
	Price   string `json:"price"`
	Meta    string `json:"meta"`
	Barcode string `json:"barcode"`
}

func (p Product) barcodeData() string {
	if p.Barcode != "" {
		return p.Barcode
	}
	return p.SKU
}

// Geometry is the per-render layout of a product label. It is recomputed for
// every render and never stored.
type Geometry struct {
	ZoneHeight    int
	InnerWidth    int
	MetaWidth     int
	PriceWidth    int
	MetaFontSize  int
	PriceFontSize int
	BarcodeModule int
	BarcodeHeight int
	BarcodeWidth  int
	BarcodeX      int
	TitleFontSize int
	TitleLines    []string
}

// Layout splits the label into three equal horizontal zones. Zone 1 holds
// metadata and price side by side, zone 2 a centered barcode whose height
// follows the zone 1 text size, zone 3 the title wrapped over at most
// TitleMaxLines lines.
func Layout(spec LabelSpec, p Product) Geometry {
	spec.normalize()

	g := Geometry{
		ZoneHeight: spec.HeightDots / 3,
		InnerWidth: spec.WidthDots - 2*spec.margin(),
	}
	g.MetaWidth = int(float64(g.InnerWidth) * spec.MetaFraction)
	g.PriceWidth = g.InnerWidth - g.MetaWidth

	zoneStart := min(spec.StartFontSize, g.ZoneHeight)
	g.MetaFontSize = FitText(p.Meta, float64(g.MetaWidth), zoneStart, spec.CharWidthRatio, spec.MinFontSize)
	g.PriceFontSize = FitText(p.Price, float64(g.PriceWidth), zoneStart, spec.CharWidthRatio, spec.MinFontSize)

	// The barcode takes its height from the zone 1 text so the two rows keep
	// the same visual weight whatever the text lengths are.
	textHeight := max(g.MetaFontSize, g.PriceFontSize)
	g.BarcodeHeight = int(float64(textHeight) * spec.BarcodeHeightFactor)
	g.BarcodeHeight = max(min(g.BarcodeHeight, g.ZoneHeight), spec.MinFontSize)

	g.BarcodeModule = spec.ModuleWidth
	data := p.barcodeData()
	g.BarcodeWidth = EstimateBarcodeWidth(data, g.BarcodeModule)
	for g.BarcodeWidth > g.InnerWidth && g.BarcodeModule > 1 {
		g.BarcodeModule--
		g.BarcodeWidth = EstimateBarcodeWidth(data, g.BarcodeModule)
	}
	g.BarcodeX = spec.margin() + max((g.InnerWidth-g.BarcodeWidth)/2, 0)

	titleStart := min(spec.StartFontSize, max(g.ZoneHeight/spec.TitleMaxLines, spec.MinFontSize))
	g.TitleFontSize, g.TitleLines = FitWrappedFontSize(p.Title, float64(g.InnerWidth), spec.TitleMaxLines,
		titleStart, spec.CharWidthRatio, spec.MinFontSize)
	if len(g.TitleLines) > spec.TitleMaxLines {
		g.TitleLines = g.TitleLines[:spec.TitleMaxLines]
	}

	return g
}

// RenderProduct compiles a three-zone product label printing qty copies.
func RenderProduct(spec LabelSpec, p Product, qty int) (string, error) {
	if p.SKU == "" && p.Title == "" && p.Price == "" && p.Meta == "" && p.Barcode == "" {
		return "", ErrEmptyProduct
	}
	spec.normalize()
	g := Layout(spec, p)
	if qty < 1 {
		qty = 1
	}

	var sb strings.Builder
	sb.WriteString(labelStart + "\n")
	sb.WriteString("^CI28\n")
	fmt.Fprintf(&sb, "^PW%d\n^LL%d\n", spec.WidthDots, spec.HeightDots)

	if p.Meta != "" {
		y := centerIn(0, g.ZoneHeight, g.MetaFontSize)
		fmt.Fprintf(&sb, "^FO%d,%d^A0N,%d,%d^FB%d,1,0,L^FD%s^FS\n",
			spec.margin(), y, g.MetaFontSize, g.MetaFontSize, g.MetaWidth, sanitizeFieldData(p.Meta))
	}
	if p.Price != "" {
		y := centerIn(0, g.ZoneHeight, g.PriceFontSize)
		fmt.Fprintf(&sb, "^FO%d,%d^A0N,%d,%d^FB%d,1,0,R^FD%s^FS\n",
			spec.margin()+g.MetaWidth, y, g.PriceFontSize, g.PriceFontSize, g.PriceWidth, sanitizeFieldData(p.Price))
	}
	if data := p.barcodeData(); data != "" {
		y := centerIn(g.ZoneHeight, g.ZoneHeight, g.BarcodeHeight)
		fmt.Fprintf(&sb, "^FO%d,%d^BY%d^BCN,%d,N,N,N,A^FD%s^FS\n",
			g.BarcodeX, y, g.BarcodeModule, g.BarcodeHeight, sanitizeFieldData(data))
	}
	if len(g.TitleLines) > 0 {
		lines := len(g.TitleLines)
		y := centerIn(2*g.ZoneHeight, g.ZoneHeight, lines*g.TitleFontSize)
		fmt.Fprintf(&sb, "^FO%d,%d^A0N,%d,%d^FB%d,%d,0,C^FD%s^FS\n",
			spec.margin(), y, g.TitleFontSize, g.TitleFontSize, g.InnerWidth, lines,
			sanitizeFieldData(strings.Join(g.TitleLines, `\&`)))
	}

	fmt.Fprintf(&sb, "^PQ%d\n", qty)
	sb.WriteString(labelEnd)
	return sb.String(), nil
}

func centerIn(top, height, content int) int {
	return top + max((height-content)/2, 0)
}
