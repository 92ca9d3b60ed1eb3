package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/domain"
)

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:   "c1",
		Name: "Trial nudge",
		Template: domain.TemplateRef{
			Name:     "trial_usage_nudge",
			Language: "en_US",
			Body:     "Hi {{ first_name | default: \"there\" }}, you used {{ usage_count }} of {{ usage_limit }}.",
			Params:   []string{"{{ first_name | default: \"there\" }}", "{{ tier | capitalize }}", "{{ recipient.phone | phone_last4 }}"},
		},
	}
}

func TestRenderTemplate(t *testing.T) {
	e := NewEngine()
	r := domain.Recipient{
		ID:    "r1",
		Phone: "+15551234567",
		Attributes: domain.Attributes{
			"first_name":  "ana",
			"tier":        "tRIAL",
			"usage_count": 7,
			"usage_limit": 10,
		},
	}

	out, err := e.RenderTemplate(testCampaign(), r)
	require.NoError(t, err)
	assert.Equal(t, "trial_usage_nudge", out.Name)
	assert.Equal(t, "en_US", out.Language)
	assert.Equal(t, []string{"ana", "Trial", "4567"}, out.Params)
	assert.Equal(t, "Hi ana, you used 7 of 10.", out.Body)
}

func TestRenderTemplate_DefaultsAndCache(t *testing.T) {
	e := NewEngine()
	c := testCampaign()

	out, err := e.RenderTemplate(c, domain.Recipient{ID: "r2", Phone: "+1555", Attributes: domain.Attributes{}})
	require.NoError(t, err)
	assert.Equal(t, "there", out.Params[0])
	assert.Equal(t, "1555", out.Params[2])

	// Cached templates are reused until the campaign is forgotten.
	c.Template.Params[0] = "changed"
	out, err = e.RenderTemplate(c, domain.Recipient{ID: "r3", Phone: "+1", Attributes: domain.Attributes{}})
	require.NoError(t, err)
	assert.Equal(t, "there", out.Params[0])

	e.Forget(c.ID)
	out, err = e.RenderTemplate(c, domain.Recipient{ID: "r3", Phone: "+1", Attributes: domain.Attributes{}})
	require.NoError(t, err)
	assert.Equal(t, "changed", out.Params[0])
}

func TestRenderTemplate_BodyFallback(t *testing.T) {
	e := NewEngine()
	c := &domain.Campaign{ID: "c2", Template: domain.TemplateRef{Name: "promo", Language: "en", Params: []string{"{{ plan | upcase_first }}"}}}

	out, err := e.RenderTemplate(c, domain.Recipient{ID: "r", Phone: "+1", Attributes: domain.Attributes{"plan": "pro yearly"}})
	require.NoError(t, err)
	assert.Equal(t, "[promo] Pro yearly", out.Body)
}

func TestValidateTemplate(t *testing.T) {
	e := NewEngine()
	assert.NoError(t, e.ValidateTemplate(testCampaign().Template))

	err := e.ValidateTemplate(domain.TemplateRef{Params: []string{"{% if %}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template name is required")
	assert.Contains(t, err.Error(), "template language is required")
	assert.Contains(t, err.Error(), "param 1")
}

func TestRender_ParseError(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("", "{{ unclosed", nil)
	assert.Error(t, err)
}
