package label

import "github.com/orrn/labelspool/internal/config"

// Compiler renders templates and product labels against a fixed LabelSpec.
// It holds no mutable state and is safe for concurrent use.
type Compiler struct {
	spec LabelSpec
}

func NewCompiler(spec LabelSpec) *Compiler {
	spec.normalize()
	return &Compiler{spec: spec}
}

func (c *Compiler) Spec() LabelSpec {
	return c.spec
}

// Render renders t with vars and checks the result with Validate.
func (c *Compiler) Render(t Template, vars map[string]string) (string, error) {
	code, err := Render(t, vars)
	if err != nil {
		return "", err
	}
	if err := Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

// RenderTemplate checks required fields, renders, and sets the quantity.
func (c *Compiler) RenderTemplate(t Template, vars map[string]string, qty int) (string, error) {
	if err := CheckRequired(t, vars); err != nil {
		return "", err
	}
	code, err := c.Render(t, vars)
	if err != nil {
		return "", err
	}
	return WithQuantity(code, qty), nil
}

func (c *Compiler) RenderProduct(p Product, qty int) (string, error) {
	return RenderProduct(c.spec, p, qty)
}

func (c *Compiler) Layout(p Product) Geometry {
	return Layout(c.spec, p)
}

// SpecFromConfig maps the label section of the config file. Unset knobs fall
// back to the package defaults when the compiler is built.
func SpecFromConfig(cfg config.LabelConfig) LabelSpec {
	return LabelSpec{
		WidthDots:      cfg.WidthDots,
		HeightDots:     cfg.HeightDots,
		Margin:         cfg.Margin,
		StartFontSize:  cfg.StartFontSize,
		MinFontSize:    cfg.MinFontSize,
		CharWidthRatio: cfg.CharWidthRatio,
		MetaFraction:   cfg.MetaFraction,
		ModuleWidth:    cfg.ModuleWidth,

		BarcodeHeightFactor: cfg.BarcodeHeightFactor,
		TitleMaxLines:       cfg.TitleMaxLines,
	}
}
