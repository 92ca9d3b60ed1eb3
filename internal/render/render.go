// Package render fills WhatsApp template parameters from recipient
// attributes using the Liquid template language.
package render

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// Engine handles Liquid rendering with a parse cache.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates a rendering engine with the notifier filters registered.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ tier | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	// {{ plan | upcase_first }} keeps the rest of the string untouched.
	e.engine.RegisterFilter("upcase_first", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})

	// {{ recipient.phone | phone_last4 }}
	e.engine.RegisterFilter("phone_last4", func(s string) string {
		digits := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			if s[i] >= '0' && s[i] <= '9' {
				digits = append(digits, s[i])
			}
		}
		if len(digits) <= 4 {
			return string(digits)
		}
		return string(digits[len(digits)-4:])
	})
}

// Parse compiles a template string and returns any syntax error.
func (e *Engine) Parse(src string) error {
	_, err := e.engine.ParseString(src)
	if err != nil {
		return err
	}
	return nil
}

// Render processes src with vars, caching the parsed template under key
// when key is non-empty.
func (e *Engine) Render(key, src string, vars map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if key != "" {
		if cached, ok := e.cache.Load(key); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := e.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		tpl = parsed
		if key != "" {
			e.cache.Store(key, tpl)
		}
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Forget drops every cached template of a campaign, used when the campaign
// template changes.
func (e *Engine) Forget(campaignID string) {
	prefix := campaignID + ":"
	e.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			e.cache.Delete(k)
		}
		return true
	})
}

// Vars builds the render context for one recipient: every attribute at the
// top level plus recipient and campaign objects.
func Vars(c *domain.Campaign, r domain.Recipient) map[string]interface{} {
	vars := make(map[string]interface{}, len(r.Attributes)+2)
	for k, v := range r.Attributes {
		vars[k] = v
	}
	vars["recipient"] = map[string]interface{}{"id": r.ID, "phone": r.Phone}
	vars["campaign"] = map[string]interface{}{"id": c.ID, "name": c.Name}
	return vars
}

// RenderTemplate resolves the campaign template for one recipient.
func (e *Engine) RenderTemplate(c *domain.Campaign, r domain.Recipient) (domain.RenderedTemplate, error) {
	vars := Vars(c, r)
	out := domain.RenderedTemplate{
		Name:     c.Template.Name,
		Language: c.Template.Language,
	}
	if c.Template.Body != "" {
		body, err := e.Render(c.ID+":body", c.Template.Body, vars)
		if err != nil {
			return out, err
		}
		out.Body = body
	}
	for i, p := range c.Template.Params {
		v, err := e.Render(fmt.Sprintf("%s:param:%d", c.ID, i), p, vars)
		if err != nil {
			return out, fmt.Errorf("param %d: %w", i+1, err)
		}
		out.Params = append(out.Params, v)
	}
	if out.Body == "" {
		out.Body = fmt.Sprintf("[%s] %s", out.Name, strings.Join(out.Params, " | "))
	}
	return out, nil
}

// ValidateTemplate checks a template reference for structural well-formedness.
func (e *Engine) ValidateTemplate(t domain.TemplateRef) error {
	var problems []string
	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "template name is required")
	}
	if strings.TrimSpace(t.Language) == "" {
		problems = append(problems, "template language is required")
	}
	if t.Body != "" {
		if err := e.Parse(t.Body); err != nil {
			problems = append(problems, fmt.Sprintf("body: %v", err))
		}
	}
	for i, p := range t.Params {
		if err := e.Parse(p); err != nil {
			problems = append(problems, fmt.Sprintf("param %d: %v", i+1, err))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
