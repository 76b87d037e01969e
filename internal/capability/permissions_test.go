package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingPermissions(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		grant    map[string]interface{}
		missing  []string
	}{
		{
			name:     "action absent from list",
			required: []string{"filesystem:write"},
			grant:    map[string]interface{}{"filesystem": []interface{}{"read"}},
			missing:  []string{"filesystem:write"},
		},
		{
			name:     "action present in list",
			required: []string{"filesystem:write"},
			grant:    map[string]interface{}{"filesystem": []interface{}{"read", "write"}},
		},
		{
			name:     "category granted wholesale",
			required: []string{"filesystem:write", "filesystem:delete"},
			grant:    map[string]interface{}{"filesystem": true},
		},
		{
			name:     "category explicitly denied",
			required: []string{"filesystem:read"},
			grant:    map[string]interface{}{"filesystem": false},
			missing:  []string{"filesystem:read"},
		},
		{
			name:     "typed string list",
			required: []string{"net:http"},
			grant:    map[string]interface{}{"net": []string{"http"}},
		},
		{
			name:     "bare key truthy",
			required: []string{"admin"},
			grant:    map[string]interface{}{"admin": "yes"},
		},
		{
			name:     "bare key falsy",
			required: []string{"admin", "audit"},
			grant:    map[string]interface{}{"admin": 0.0, "audit": true},
			missing:  []string{"admin"},
		},
		{
			name:     "nil grant",
			required: []string{"kv:write"},
			missing:  []string{"kv:write"},
		},
		{
			name: "nothing required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.missing, MissingPermissions(tt.required, tt.grant))
		})
	}
}
