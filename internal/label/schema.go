package label

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Schema is the designer form of a label: positioned elements whose content
// may reference variables. BuildBody turns it into a ZPL template body.
type Schema struct {
	Name       string                 `json:"name"`
	WidthDots  int                    `json:"width_dots"`
	HeightDots int                    `json:"height_dots"`
	Elements   []Element              `json:"elements"`
	Variables  map[string]VariableDef `json:"variables"`
}

type Element struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`

	Content  string `json:"content,omitempty"`
	Font     string `json:"font,omitempty"`
	Rotation string `json:"rotation,omitempty"`
	Size     int    `json:"size,omitempty"`

	Symbology string `json:"symbology,omitempty"`
	Height    int    `json:"height,omitempty"`
	Module    int    `json:"module,omitempty"`

	Magnification int `json:"magnification,omitempty"`

	Width     int    `json:"width,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	Thickness int    `json:"thickness,omitempty"`
	Align     string `json:"align,omitempty"`
}

type VariableDef struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default"`
}

func ParseSchema(data []byte) (*Schema, error) {
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}
	if schema.WidthDots <= 0 {
		schema.WidthDots = DefaultWidthDots
	}
	if schema.HeightDots <= 0 {
		schema.HeightDots = DefaultHeightDots
	}
	return &schema, nil
}

// BuildBody emits the ZPL template body for schema. Placeholders in element
// content are kept so the body can be stored as a Template.
func BuildBody(schema *Schema) (string, error) {
	var sb strings.Builder

	sb.WriteString(labelStart + "\n")
	sb.WriteString("^CI28\n")
	if schema.WidthDots > 0 {
		fmt.Fprintf(&sb, "^PW%d\n", schema.WidthDots)
	}
	if schema.HeightDots > 0 {
		fmt.Fprintf(&sb, "^LL%d\n", schema.HeightDots)
	}

	for i := range schema.Elements {
		cmd, err := buildElement(&schema.Elements[i])
		if err != nil {
			return "", fmt.Errorf("error generating element %d (%s): %w", i, schema.Elements[i].Type, err)
		}
		sb.WriteString(cmd)
		sb.WriteString("\n")
	}

	sb.WriteString(labelEnd)
	return sb.String(), nil
}

// ToTemplate builds the stored template for schema. Variables that are
// required and have no default become required fields.
func (s *Schema) ToTemplate(name string) (Template, error) {
	body, err := BuildBody(s)
	if err != nil {
		return Template{}, err
	}
	var required []string
	for v, def := range s.Variables {
		if def.Required && def.Default == "" {
			required = append(required, v)
		}
	}
	sort.Strings(required)
	return Template{Name: name, Body: body, RequiredFields: required}, nil
}

// MergeDefaults overlays vars on the schema's variable defaults.
func (s *Schema) MergeDefaults(vars map[string]string) map[string]string {
	result := make(map[string]string, len(s.Variables)+len(vars))
	for name, def := range s.Variables {
		if def.Default != "" {
			result[name] = def.Default
		}
	}
	for name, value := range vars {
		if value != "" {
			result[name] = value
		}
	}
	return result
}

// Preview renders the schema with defaults, falling back to sample values
// by variable type.
func Preview(schema *Schema) (string, error) {
	body, err := BuildBody(schema)
	if err != nil {
		return "", err
	}
	previewVars := make(map[string]string)
	for name, def := range schema.Variables {
		if def.Default != "" {
			previewVars[name] = def.Default
			continue
		}
		switch def.Type {
		case "number":
			previewVars[name] = "123"
		case "barcode":
			previewVars[name] = "12345678"
		case "price":
			previewVars[name] = "9.99"
		default:
			previewVars[name] = "SAMPLE"
		}
	}
	return Render(Template{Name: schema.Name, Body: body}, previewVars)
}

func buildElement(elem *Element) (string, error) {
	switch elem.Type {
	case "text":
		return buildText(elem), nil
	case "block":
		return buildBlock(elem), nil
	case "barcode":
		return buildBarcode(elem), nil
	case "qrcode":
		return buildQRCode(elem), nil
	case "box":
		return buildBox(elem), nil
	case "line":
		return buildLine(elem), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedElement, elem.Type)
	}
}

func fontCommand(elem *Element) string {
	font := elem.Font
	if font == "" {
		font = "0"
	}
	rotation := elem.Rotation
	if rotation == "" {
		rotation = "N"
	}
	size := elem.Size
	if size == 0 {
		size = 30
	}
	return fmt.Sprintf("^A%s%s,%d,%d", font, rotation, size, size)
}

func buildText(elem *Element) string {
	return fmt.Sprintf("^FO%d,%d%s^FD%s^FS", elem.X, elem.Y, fontCommand(elem), elem.Content)
}

func buildBlock(elem *Element) string {
	lines := elem.Lines
	if lines == 0 {
		lines = 2
	}
	align := elem.Align
	if align == "" {
		align = "L"
	}
	return fmt.Sprintf("^FO%d,%d%s^FB%d,%d,0,%s^FD%s^FS",
		elem.X, elem.Y, fontCommand(elem), elem.Width, lines, align, elem.Content)
}

func buildBarcode(elem *Element) string {
	module := elem.Module
	if module == 0 {
		module = DefaultModuleWidth
	}
	height := elem.Height
	if height == 0 {
		height = 80
	}
	rotation := elem.Rotation
	if rotation == "" {
		rotation = "N"
	}
	var cmd string
	switch elem.Symbology {
	case "39":
		cmd = fmt.Sprintf("^B3%s,N,%d,Y,N", rotation, height)
	case "ean13":
		cmd = fmt.Sprintf("^BE%s,%d,Y,N", rotation, height)
	case "upca":
		cmd = fmt.Sprintf("^BU%s,%d,Y,N,Y", rotation, height)
	default:
		cmd = fmt.Sprintf("^BC%s,%d,Y,N,N,A", rotation, height)
	}
	return fmt.Sprintf("^FO%d,%d^BY%d%s^FD%s^FS", elem.X, elem.Y, module, cmd, elem.Content)
}

func buildQRCode(elem *Element) string {
	mag := elem.Magnification
	if mag == 0 {
		mag = 4
	}
	return fmt.Sprintf("^FO%d,%d^BQN,2,%d^FDMA,%s^FS", elem.X, elem.Y, mag, elem.Content)
}

func buildBox(elem *Element) string {
	thickness := elem.Thickness
	if thickness == 0 {
		thickness = 1
	}
	return fmt.Sprintf("^FO%d,%d^GB%d,%d,%d^FS", elem.X, elem.Y, elem.Width, elem.Height, thickness)
}

// buildLine draws a horizontal or vertical rule; the thin side is the
// thickness.
func buildLine(elem *Element) string {
	thickness := elem.Thickness
	if thickness == 0 {
		thickness = 1
	}
	width, height := elem.Width, elem.Height
	if width == 0 {
		width = thickness
	}
	if height == 0 {
		height = thickness
	}
	return fmt.Sprintf("^FO%d,%d^GB%d,%d,%d^FS", elem.X, elem.Y, width, height, thickness)
}
