package requestid

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantUUID bool
		pattern  string
	}{
		{name: "empty returns UUID", inbound: "", wantUUID: true},
		{name: "only invalid characters returns UUID", inbound: "@#$%^&*()", wantUUID: true},
		{name: "alphanumeric kept", inbound: "my-request", pattern: `^[a-f0-9]{5}-my-request$`},
		{name: "special characters stripped", inbound: "my@request#123!", pattern: `^[a-f0-9]{5}-myrequest123$`},
		{name: "spaces become hyphens", inbound: "my request 123", pattern: `^[a-f0-9]{5}-my-request-123$`},
		{name: "hyphen runs collapsed and trimmed", inbound: "---my----request---", pattern: `^[a-f0-9]{5}-my-request$`},
		{name: "cf-ray style id", inbound: "8c2f1e3b9a7d4c21-AMS", pattern: `^[a-f0-9]{5}-8c2f1e3b9a7d4c21-AMS$`},
		{name: "long id truncated", inbound: strings.Repeat("a", 100), pattern: `^[a-f0-9]{5}-a{30}$`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := New(tt.inbound)
			assert.LessOrEqual(t, len(id), MaxLength)
			if tt.wantUUID {
				_, err := uuid.Parse(id)
				assert.NoError(t, err)
				return
			}
			assert.Regexp(t, regexp.MustCompile(tt.pattern), id)
		})
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New("same")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
