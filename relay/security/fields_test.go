//go:build unit

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveField(t *testing.T) {
	t.Parallel()

	sensitive := []string{
		"password", "PASSWORD", "db_password", "sessionToken", "APIKey", "api-key",
		"x-auth", "Authorization", "client_secret", "refreshToken", "privateKey",
		"Set-Cookie",
	}

	for _, name := range sensitive {
		assert.True(t, IsSensitiveField(name), name)
	}

	plain := []string{
		"", "author", "idempotency_key", "x-idempotency-key", "tenant_id", "event_type",
		"tokenizer", "passwords_count_total", "secretary",
	}

	for _, name := range plain {
		assert.False(t, IsSensitiveField(name), name)
	}
}

func TestDefaultSensitiveFieldsReturnsCopy(t *testing.T) {
	t.Parallel()

	fields := DefaultSensitiveFields()
	fields[0] = "mutated"

	assert.Equal(t, "password", DefaultSensitiveFields()[0])
}

func TestRedactAssignments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "equals",
			in:   "publish failed password=hunter2 tenant_id=t-1",
			want: "publish failed password=" + Redacted + " tenant_id=t-1",
		},
		{
			name: "header",
			in:   "x-api-key: abc123, x-idempotency-key: k-9",
			want: "x-api-key: " + Redacted + ", x-idempotency-key: k-9",
		},
		{
			name: "json",
			in:   `{"clientSecret":"s3cr3t","eventType":"workflow.task.created"}`,
			want: `{"clientSecret":"` + Redacted + `","eventType":"workflow.task.created"}`,
		},
		{
			name: "name after another assignment",
			in:   "403 from broker: x-session-id: 9f8e7d",
			want: "403 from broker: x-session-id: " + Redacted,
		},
		{
			name: "already redacted",
			in:   "token=" + Redacted,
			want: "token=" + Redacted,
		},
		{
			name: "nothing sensitive",
			in:   "dial tcp 10.0.0.7:5672: connection refused",
			want: "dial tcp 10.0.0.7:5672: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, RedactAssignments(tt.in))
		})
	}
}
