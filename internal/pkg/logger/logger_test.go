package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+15551234567", "+155***67"},
		{"15551234567", "155***67"},
		{"+44 20 7946 0958", "+442***58"},
		{"12345", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactPhone(tt.in), tt.in)
	}
}

func TestLog_RedactsPhoneFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetRedactPII(true)

	Info("sent", "phone", "+15551234567", "note", "retry for +15559876543 scheduled", "campaign_id", "c-1")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "+155***67", entry["phone"])
	assert.Equal(t, "retry for +155***43 scheduled", entry["note"])
	assert.Equal(t, "c-1", entry["campaign_id"])
}

func TestLog_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Info("hidden")
	assert.Zero(t, buf.Len())

	Warn("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
