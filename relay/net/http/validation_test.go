//go:build unit

package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleQuery struct {
	Status    string `query:"status"    validate:"omitempty,oneof=pending failed"`
	EventType string `query:"eventType" validate:"omitempty,max=20,event_type_pattern"`
	PageSize  int    `query:"pageSize"  validate:"omitempty,gte=1,lte=500"`
	TenantID  string `query:"tenantId"  validate:"required"`
	From      string `query:"from"      validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	ID        string `query:"id"        validate:"omitempty,uuid"`
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload sampleQuery
		wantErr error
		field   string
	}{
		{name: "valid", payload: sampleQuery{TenantID: "t", Status: "failed", EventType: "workflow.*", PageSize: 10}},
		{name: "required", payload: sampleQuery{}, wantErr: ErrFieldRequired, field: "tenantId"},
		{name: "oneof", payload: sampleQuery{TenantID: "t", Status: "gone"}, wantErr: ErrFieldOneOf, field: "status"},
		{name: "lte", payload: sampleQuery{TenantID: "t", PageSize: 501}, wantErr: ErrFieldLessThanOrEqual, field: "pageSize"},
		{name: "max", payload: sampleQuery{TenantID: "t", EventType: "workflow.instance.started.x"}, wantErr: ErrFieldMaxLength, field: "eventType"},
		{name: "pattern", payload: sampleQuery{TenantID: "t", EventType: "drop table"}, wantErr: ErrFieldEventTypePattern, field: "eventType"},
		{name: "datetime", payload: sampleQuery{TenantID: "t", From: "yesterday"}, wantErr: ErrFieldDateTime, field: "from"},
		{name: "uuid", payload: sampleQuery{TenantID: "t", ID: "nope"}, wantErr: ErrFieldUUID, field: "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateStruct(tt.payload)
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), "'"+tt.field+"'")
		})
	}
}

func TestParseQueryAndValidate(t *testing.T) {
	t.Parallel()

	var parsed sampleQuery

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		parsed = sampleQuery{}

		if err := ParseQueryAndValidate(c, &parsed); err != nil {
			return BadRequestError(c, "invalid_query", err.Error())
		}

		return c.SendStatus(http.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/?tenantId=t1&pageSize=25&from=2026-01-02T03:04:05.5Z", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 25, parsed.PageSize)
	assert.Equal(t, "t1", parsed.TenantID)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/?tenantId=t1&pageSize=abc", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, ErrQueryParseFailed.Error())
}
