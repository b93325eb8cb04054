package xapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMethodCall(t *testing.T) {
	body, err := encodeMethodCall("session.login_with_password", "root", "p<w>&", "1.0", 3, true)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "<methodName>session.login_with_password</methodName>")
	assert.Contains(t, s, "<value><string>root</string></value>")
	assert.Contains(t, s, "<value><string>p&lt;w&gt;&amp;</string></value>")
	assert.Contains(t, s, "<value><int>3</int></value>")
	assert.Contains(t, s, "<value><boolean>1</boolean></value>")
}

func TestEncodeMethodCall_Struct(t *testing.T) {
	body, err := encodeMethodCall("m", map[string]interface{}{"b": 1.5, "a": []interface{}{"x"}})
	require.NoError(t, err)
	assert.Contains(t, string(body),
		"<struct><member><name>a</name><value><array><data><value><string>x</string></value></data></array></value></member>"+
			"<member><name>b</name><value><double>1.5</double></value></member></struct>")
}

func TestEncodeMethodCall_UnsupportedType(t *testing.T) {
	_, err := encodeMethodCall("m", struct{}{})
	assert.Error(t, err)
}

func TestDecodeMethodResponse_Types(t *testing.T) {
	doc := `<?xml version="1.0"?>
<methodResponse>
  <params>
    <param>
      <value><struct>
        <member><name>s</name><value>plain</value></member>
        <member><name>i</name><value><i4>-7</i4></value></member>
        <member><name>b</name><value><boolean>0</boolean></value></member>
        <member><name>d</name><value><double>2.25</double></value></member>
        <member><name>t</name><value><dateTime.iso8601>20240101T00:00:00Z</dateTime.iso8601></value></member>
        <member><name>a</name><value><array><data><value><int>1</int></value><value>two</value></data></array></value></member>
        <member><name>e</name><value><array><data></data></array></value></member>
      </struct></value>
    </param>
  </params>
</methodResponse>`

	v, err := decodeMethodResponse(strings.NewReader(doc))
	require.NoError(t, err)

	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "plain", m["s"])
	assert.Equal(t, int64(-7), m["i"])
	assert.Equal(t, false, m["b"])
	assert.Equal(t, 2.25, m["d"])
	assert.Equal(t, "20240101T00:00:00Z", m["t"])
	assert.Equal(t, []interface{}{int64(1), "two"}, m["a"])
	assert.Equal(t, []interface{}{}, m["e"])
}

func TestDecodeMethodResponse_Fault(t *testing.T) {
	doc := `<methodResponse><fault><value><struct>` +
		`<member><name>faultCode</name><value><int>4</int></value></member>` +
		`<member><name>faultString</name><value><string>Too many parameters.</string></value></member>` +
		`</struct></value></fault></methodResponse>`

	_, err := decodeMethodResponse(strings.NewReader(doc))
	var fe *faultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Code)
	assert.Equal(t, "Too many parameters.", fe.String)
}

func TestDecodeMethodResponse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "garbage"},
		{"wrong root", "<methodCall></methodCall>"},
		{"no params", "<methodResponse></methodResponse>"},
		{"bad int", "<methodResponse><params><param><value><int>x</int></value></param></params></methodResponse>"},
		{"bad boolean", "<methodResponse><params><param><value><boolean>2</boolean></value></param></params></methodResponse>"},
		{"unknown type", "<methodResponse><params><param><value><blob>1</blob></value></param></params></methodResponse>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMethodResponse(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestUnwrapStatus(t *testing.T) {
	v, err := unwrapStatus(map[string]interface{}{"Status": "Success", "Value": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = unwrapStatus(map[string]interface{}{
		"Status":           "Failure",
		"ErrorDescription": []interface{}{"SESSION_INVALID", "OpaqueRef:x"},
	})
	assert.True(t, IsSessionInvalid(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"OpaqueRef:x"}, apiErr.Params)

	_, err = unwrapStatus("bare")
	assert.Error(t, err)
}
