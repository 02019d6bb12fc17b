package wren

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func decodeRequest(t *testing.T, body string) ProxyRequest {
	t.Helper()
	var req ProxyRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return req
}

func TestNormalize_ProjectIDOverridesExtra(t *testing.T) {
	req := decodeRequest(t, `{"project_id":"11237","text":"top customers","additional_payload":{"projectId":99,"threadId":"t-1"}}`)

	p, err := Normalize(req)
	require.NoError(t, err)

	assert.Equal(t, int64(11237), p.ProjectID())
	got, ok := p.Field("projectId")
	require.True(t, ok)
	assert.JSONEq(t, `11237`, string(got))

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"question":"top customers","text":"top customers","projectId":11237,"threadId":"t-1"}`, string(b))
}

func TestNormalize_KeyOrder(t *testing.T) {
	req := decodeRequest(t, `{"project_id":"7","text":"q","additional_payload":{"zeta":1,"alpha":2}}`)

	p, err := Normalize(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"question", "text", "zeta", "alpha", "projectId"}, p.Keys())

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"question":"q","text":"q","zeta":1,"alpha":2,"projectId":7}`, string(b))
}

func TestNormalize_ExtraOverridesQuestionInPlace(t *testing.T) {
	req := decodeRequest(t, `{"project_id":"7","text":"q","additional_payload":{"question":"override"}}`)

	p, err := Normalize(req)
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"question":"override","text":"q","projectId":7}`, string(b))
}

func TestNormalize_NilTextIsNull(t *testing.T) {
	p, err := Normalize(ProxyRequest{ProjectID: strPtr(" 42 ")})
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"question":null,"text":null,"projectId":42}`, string(b))
}

func TestNormalize_MissingProjectID(t *testing.T) {
	cases := []ProxyRequest{
		{Text: strPtr("hi")},
		{ProjectID: strPtr(""), Text: strPtr("hi")},
		{ProjectID: strPtr("   "), Text: strPtr("hi")},
	}
	for _, req := range cases {
		// Repeated calls must fail the same way.
		for range 2 {
			_, err := Normalize(req)
			e, ok := AsError(err)
			require.True(t, ok, "want *Error, got %v", err)
			assert.Equal(t, KindValidation, e.Kind)
			assert.Equal(t, 400, e.Status)
			assert.Equal(t, "project_id is required", e.Detail)
		}
	}
}

func TestNormalize_NonNumericProjectID(t *testing.T) {
	for _, id := range []string{"abc", "12.5", "1e3", "0x10"} {
		_, err := Normalize(ProxyRequest{ProjectID: strPtr(id)})
		e, ok := AsError(err)
		require.True(t, ok, "id %q", id)
		assert.Equal(t, KindValidation, e.Kind)
		assert.Equal(t, "project_id must be a valid integer", e.Detail)
	}
}

func TestProxyRequest_NumericProjectID(t *testing.T) {
	req := decodeRequest(t, `{"project_id":11237,"text":"hi"}`)
	require.NotNil(t, req.ProjectID)
	assert.Equal(t, "11237", *req.ProjectID)
	assert.Nil(t, req.Extra)
}

func TestProxyRequest_RejectsObjectProjectID(t *testing.T) {
	var req ProxyRequest
	err := json.Unmarshal([]byte(`{"project_id":{"id":1}}`), &req)
	assert.Error(t, err)
}

func TestProxyRequest_MarshalRoundTrip(t *testing.T) {
	req := decodeRequest(t, `{"project_id":"5","text":"hello","additional_payload":{"b":true,"a":[1,2]}}`)

	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, `{"project_id":"5","text":"hello","additional_payload":{"b":true,"a":[1,2]}}`, string(b))
}
