package logger

import "strings"

// RedactPhone masks a phone number for safe logging, keeping the country
// prefix and the last two digits.
// "+15551234567" → "+155***67"
// Numbers with fewer than 7 digits are fully masked: "***".
func RedactPhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 7 {
		return "***"
	}
	prefix := ""
	if strings.HasPrefix(strings.TrimSpace(phone), "+") {
		prefix = "+"
	}
	return prefix + d[:3] + "***" + d[len(d)-2:]
}
