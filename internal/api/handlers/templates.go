package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
)

// A template arrives either as a raw ZPL body or as a designer schema that
// is compiled into one.
type CreateTemplateRequest struct {
	Name           string        `json:"name" binding:"required"`
	Description    string        `json:"description"`
	Body           string        `json:"body"`
	Schema         *label.Schema `json:"schema"`
	RequiredFields []string      `json:"required_fields"`
	IsDefault      bool          `json:"is_default"`
}

type UpdateTemplateRequest struct {
	Name           string        `json:"name"`
	Description    *string       `json:"description"`
	Body           string        `json:"body"`
	Schema         *label.Schema `json:"schema"`
	RequiredFields []string      `json:"required_fields"`
	IsDefault      *bool         `json:"is_default"`
}

type PreviewRequest struct {
	Variables map[string]string `json:"variables"`
}

type PreviewResponse struct {
	Code         string            `json:"code"`
	Variables    map[string]string `json:"variables_used"`
	Missing      []string          `json:"missing,omitempty"`
	Placeholders []string          `json:"placeholders"`
}

type ValidateRequest struct {
	Body   string        `json:"body"`
	Schema *label.Schema `json:"schema"`
}

type ValidateResponse struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors,omitempty"`
	Placeholders   []string `json:"placeholders,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
	Code           string   `json:"code,omitempty"`
}

var errNoBody = errors.New("either body or schema is required")

type TemplateHandler struct {
	templates *db.TemplateOperations
	compiler  *label.Compiler
}

func NewTemplateHandler(templates *db.TemplateOperations, compiler *label.Compiler) *TemplateHandler {
	return &TemplateHandler{
		templates: templates,
		compiler:  compiler,
	}
}

func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	templates, err := h.templates.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if templates == nil {
		templates = []*db.LabelTemplate{}
	}
	c.JSON(http.StatusOK, templates)
}

func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tpl, err := h.compile(req.Name, req.Body, req.Schema, req.RequiredFields)
	if err != nil {
		respondError(c, err)
		return
	}

	t := &db.LabelTemplate{
		Name:           req.Name,
		Description:    req.Description,
		Body:           tpl.Body,
		IsDefault:      req.IsDefault,
		RequiredFields: tpl.RequiredFields,
	}
	if err := h.templates.CreateTemplate(c.Request.Context(), t); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	t, err := h.templates.GetTemplateByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TemplateHandler) GetDefaultTemplate(c *gin.Context) {
	t, err := h.templates.GetDefault(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	t, err := h.templates.GetTemplateByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.IsDefault != nil {
		t.IsDefault = *req.IsDefault
	}
	if req.Body != "" || req.Schema != nil {
		tpl, err := h.compile(t.Name, req.Body, req.Schema, req.RequiredFields)
		if err != nil {
			respondError(c, err)
			return
		}
		t.Body = tpl.Body
		t.RequiredFields = tpl.RequiredFields
	} else if req.RequiredFields != nil {
		t.RequiredFields = req.RequiredFields
	}

	if err := h.templates.UpdateTemplate(c.Request.Context(), t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.templates.DeleteTemplate(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PreviewTemplate renders a stored template without queueing it. Missing
// required fields are reported instead of failing the render.
func (h *TemplateHandler) PreviewTemplate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req PreviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	t, err := h.templates.GetTemplateByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	tpl := t.Template()
	code, err := h.compiler.Render(tpl, req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}

	var missing []string
	for _, name := range tpl.RequiredFields {
		if strings.TrimSpace(req.Variables[name]) == "" {
			missing = append(missing, name)
		}
	}
	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}

	c.JSON(http.StatusOK, PreviewResponse{
		Code:         code,
		Variables:    vars,
		Missing:      missing,
		Placeholders: label.Placeholders(tpl.Body),
	})
}

// ValidateTemplate checks a body or schema without storing it. Problems are
// reported in the response body, not as an error status.
func (h *TemplateHandler) ValidateTemplate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tpl, err := h.compile("", req.Body, req.Schema, nil)
	if err != nil {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Errors: splitErrors(err)})
		return
	}

	resp := ValidateResponse{
		Valid:          true,
		Placeholders:   label.Placeholders(tpl.Body),
		RequiredFields: tpl.RequiredFields,
	}
	if req.Schema != nil {
		if resp.Code, err = label.Preview(req.Schema); err != nil {
			c.JSON(http.StatusOK, ValidateResponse{Valid: false, Errors: splitErrors(err)})
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// compile turns a body or schema into a template and makes sure it renders
// to a well-formed program.
func (h *TemplateHandler) compile(name, body string, schema *label.Schema, required []string) (label.Template, error) {
	var tpl label.Template
	switch {
	case schema != nil:
		if schema.WidthDots <= 0 {
			schema.WidthDots = h.compiler.Spec().WidthDots
		}
		if schema.HeightDots <= 0 {
			schema.HeightDots = h.compiler.Spec().HeightDots
		}
		t, err := schema.ToTemplate(name)
		if err != nil {
			return label.Template{}, err
		}
		tpl = t
		if len(required) > 0 {
			tpl.RequiredFields = required
		}
	case strings.TrimSpace(body) != "":
		tpl = label.Template{Name: name, Body: body, RequiredFields: required}
	default:
		return label.Template{}, errNoBody
	}

	if _, err := h.compiler.Render(tpl, nil); err != nil {
		return label.Template{}, err
	}
	return tpl, nil
}

func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func RegisterTemplateRoutes(router *gin.RouterGroup, handler *TemplateHandler) {
	templates := router.Group("/templates")
	{
		templates.GET("", handler.ListTemplates)
		templates.POST("", handler.CreateTemplate)
		templates.GET("/default", handler.GetDefaultTemplate)
		templates.POST("/validate", handler.ValidateTemplate)
		templates.GET("/:id", handler.GetTemplate)
		templates.PUT("/:id", handler.UpdateTemplate)
		templates.DELETE("/:id", handler.DeleteTemplate)
		templates.POST("/:id/preview", handler.PreviewTemplate)
	}
}
