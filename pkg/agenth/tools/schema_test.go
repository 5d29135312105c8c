package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseArgKind(t *testing.T) {
	k, err := ParseArgKind(" Integer ")
	require.NoError(t, err)
	assert.Equal(t, KindInteger, k)

	_, err = ParseArgKind("bigint")
	assert.ErrorIs(t, err, ErrUnknownArgKind)
}

func TestArgKind_YAMLFailsFast(t *testing.T) {
	var ok struct {
		Args []ArgSpec `yaml:"args"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("args:\n  - name: amount\n    kind: number\n"), &ok))
	assert.Equal(t, KindNumber, ok.Args[0].Kind)

	var bad struct {
		Args []ArgSpec `yaml:"args"`
	}
	err := yaml.Unmarshal([]byte("args:\n  - name: amount\n    kind: money\n"), &bad)
	assert.ErrorIs(t, err, ErrUnknownArgKind)
}

func TestSchemaFromArgs(t *testing.T) {
	schema, err := SchemaFromArgs([]ArgSpec{
		{Name: "to", Kind: KindString, Required: true},
		{Name: "amount", Kind: KindNumber, Required: true},
		{Name: "side", Kind: KindEnum, Enum: []string{"buy", "sell"}},
		{Name: "tags", Kind: KindArray, Items: KindString},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "to"}, schema["required"])

	props := schema["properties"].(map[string]any)
	assert.Equal(t, "string", props["side"].(map[string]any)["type"])

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"to": "0xabc", "amount": 1.5, "side": "buy", "tags": []any{"x"}}, false},
		{"missing required", map[string]any{"to": "0xabc"}, true},
		{"wrong type", map[string]any{"to": "0xabc", "amount": "lots"}, true},
		{"bad enum", map[string]any{"to": "0xabc", "amount": 1.0, "side": "hold"}, true},
		{"bad item", map[string]any{"to": "0xabc", "amount": 1.0, "tags": []any{3.0}}, true},
		{"extra allowed", map[string]any{"to": "0xabc", "amount": 1.0, "memo": "hi"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArguments)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchemaFromArgs_Rejects(t *testing.T) {
	_, err := SchemaFromArgs([]ArgSpec{{Name: "side", Kind: KindEnum}})
	assert.Error(t, err)

	_, err = SchemaFromArgs([]ArgSpec{{Name: "a", Kind: KindString}, {Name: "a", Kind: KindString}})
	assert.Error(t, err)

	_, err = SchemaFromArgs([]ArgSpec{{Name: "a", Kind: "decimal"}})
	assert.ErrorIs(t, err, ErrUnknownArgKind)
}

func TestValidateArguments_Integer(t *testing.T) {
	schema, err := SchemaFromArgs([]ArgSpec{{Name: "n", Kind: KindInteger}})
	require.NoError(t, err)
	assert.NoError(t, ValidateArguments(schema, map[string]any{"n": 3.0}))
	assert.Error(t, ValidateArguments(schema, map[string]any{"n": 3.5}))
}

func TestRegisterWebhook(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		_, _ = w.Write([]byte(`{"tx":"0x1"}`))
	}))
	defer srv.Close()

	r := NewRegistry(nil)
	require.NoError(t, RegisterWebhook(r, WebhookSpec{
		Name:    "send_tokens",
		URL:     srv.URL + "/ok",
		Headers: map[string]string{"X-Key": "secret"},
		Args: []ArgSpec{
			{Name: "to", Kind: KindString, Required: true},
			{Name: "amount", Kind: KindNumber, Required: true},
		},
	}, srv.Client()))
	require.NoError(t, RegisterWebhook(r, WebhookSpec{
		Name:    "broken",
		URL:     srv.URL + "/fail",
		Headers: map[string]string{"X-Key": "secret"},
	}, srv.Client()))

	out, err := r.Invoke(context.Background(), "send_tokens", `{"to":"0xabc","amount":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"tx":"0x1"}`, out)
	assert.JSONEq(t, `{"to":"0xabc","amount":2}`, gotBody)

	_, err = r.Invoke(context.Background(), "send_tokens", `{"to":"0xabc"}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Invoke(context.Background(), "broken", `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.Error(t, RegisterWebhook(r, WebhookSpec{Name: "nourl"}, nil))
}

func TestKindValidators_CoverEveryKind(t *testing.T) {
	for _, k := range []ArgKind{KindString, KindNumber, KindInteger, KindBoolean, KindArray, KindObject, KindEnum} {
		got, err := ParseArgKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	nested := map[string]any{"type": "array", "items": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}}}
	assert.NoError(t, validateValue(nested, []any{[]any{1.0, 2.0}, []any{}}))
	assert.Error(t, validateValue(nested, []any{[]any{1.5}}))
	assert.Error(t, validateValue(nested, []any{"flat"}))
}
