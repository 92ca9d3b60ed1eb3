package domain

// Attribute names with meaning outside targeting rules.
const (
	AttrOptIn    = "whatsapp_opt_in"
	AttrOptedOut = "opted_out"
)

// Attributes is a recipient attribute snapshot. Values are strings,
// float64 numbers, bools or []string lists.
type Attributes map[string]any

// Recipient is a reachable person plus the attribute snapshot sourced from
// the subscription and usage collaborators at evaluation time.
type Recipient struct {
	ID         string     `json:"id"`
	Phone      string     `json:"phone"`
	Attributes Attributes `json:"attributes"`
}

// OptedOut reports whether the recipient must never be messaged: either
// the opt-out flag is set or WhatsApp consent has not been given.
func (r Recipient) OptedOut() bool {
	if v, ok := r.Attributes[AttrOptedOut].(bool); ok && v {
		return true
	}
	v, ok := r.Attributes[AttrOptIn].(bool)
	return !ok || !v
}

// Missing reports whether the recipient lacks an id or an address.
func (r Recipient) Missing() bool {
	return r.ID == "" || r.Phone == ""
}

// Eligible reports whether the recipient may be targeted at all.
func (r Recipient) Eligible() bool {
	return !r.Missing() && !r.OptedOut()
}
