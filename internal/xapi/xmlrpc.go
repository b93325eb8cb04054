package xapi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// XML-RPC subset spoken by XAPI: string, int, boolean, double, struct and
// array values. dateTime.iso8601 and base64 are returned as raw strings.

// encodeMethodCall renders a methodCall document.
func encodeMethodCall(method string, params ...interface{}) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	if err := xml.EscapeText(&b, []byte(method)); err != nil {
		return nil, err
	}
	b.WriteString(`</methodName><params>`)
	for _, p := range params {
		b.WriteString(`<param>`)
		if err := encodeValue(&b, p); err != nil {
			return nil, err
		}
		b.WriteString(`</param>`)
	}
	b.WriteString(`</params></methodCall>`)
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v interface{}) error {
	b.WriteString(`<value>`)
	switch val := v.(type) {
	case string:
		b.WriteString(`<string>`)
		if err := xml.EscapeText(b, []byte(val)); err != nil {
			return err
		}
		b.WriteString(`</string>`)
	case int:
		b.WriteString(`<int>` + strconv.Itoa(val) + `</int>`)
	case int64:
		b.WriteString(`<int>` + strconv.FormatInt(val, 10) + `</int>`)
	case bool:
		if val {
			b.WriteString(`<boolean>1</boolean>`)
		} else {
			b.WriteString(`<boolean>0</boolean>`)
		}
	case float64:
		b.WriteString(`<double>` + strconv.FormatFloat(val, 'g', -1, 64) + `</double>`)
	case []interface{}:
		b.WriteString(`<array><data>`)
		for _, item := range val {
			if err := encodeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteString(`</data></array>`)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(`<struct>`)
		for _, k := range keys {
			b.WriteString(`<member><name>`)
			if err := xml.EscapeText(b, []byte(k)); err != nil {
				return err
			}
			b.WriteString(`</name>`)
			if err := encodeValue(b, val[k]); err != nil {
				return err
			}
			b.WriteString(`</member>`)
		}
		b.WriteString(`</struct>`)
	default:
		return fmt.Errorf("xmlrpc: unsupported parameter type %T", v)
	}
	b.WriteString(`</value>`)
	return nil
}

// rpcNode is a generic element preserving child order.
type rpcNode struct {
	XMLName xml.Name
	Text    string    `xml:",chardata"`
	Nodes   []rpcNode `xml:",any"`
}

func (n *rpcNode) child(name string) *rpcNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

// faultError is an XML-RPC level fault (not an XAPI Failure status).
type faultError struct {
	Code   int
	String string
}

func (e *faultError) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", e.Code, e.String)
}

// decodeMethodResponse returns the single response value or the fault.
func decodeMethodResponse(r io.Reader) (interface{}, error) {
	var root rpcNode
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("xmlrpc: invalid response: %w", err)
	}
	if root.XMLName.Local != "methodResponse" {
		return nil, fmt.Errorf("xmlrpc: unexpected root element %q", root.XMLName.Local)
	}

	if fault := root.child("fault"); fault != nil {
		v := fault.child("value")
		if v == nil {
			return nil, &faultError{String: "malformed fault"}
		}
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		fe := &faultError{}
		if m, ok := decoded.(map[string]interface{}); ok {
			if code, ok := m["faultCode"].(int64); ok {
				fe.Code = int(code)
			}
			fe.String, _ = m["faultString"].(string)
		}
		return nil, fe
	}

	params := root.child("params")
	if params == nil {
		return nil, fmt.Errorf("xmlrpc: response has neither params nor fault")
	}
	param := params.child("param")
	if param == nil {
		return nil, nil
	}
	v := param.child("value")
	if v == nil {
		return nil, fmt.Errorf("xmlrpc: param without value")
	}
	return decodeValue(v)
}

func decodeValue(v *rpcNode) (interface{}, error) {
	if len(v.Nodes) == 0 {
		// Untyped value defaults to string
		return v.Text, nil
	}

	typed := &v.Nodes[0]
	text := strings.TrimSpace(typed.Text)
	switch typed.XMLName.Local {
	case "string", "dateTime.iso8601", "base64":
		return typed.Text, nil
	case "int", "i4", "i8":
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("xmlrpc: invalid int %q: %w", text, err)
		}
		return n, nil
	case "boolean":
		switch text {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("xmlrpc: invalid boolean %q", text)
	case "double":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("xmlrpc: invalid double %q: %w", text, err)
		}
		return f, nil
	case "nil":
		return nil, nil
	case "struct":
		m := make(map[string]interface{}, len(typed.Nodes))
		for i := range typed.Nodes {
			member := &typed.Nodes[i]
			name := member.child("name")
			value := member.child("value")
			if name == nil || value == nil {
				return nil, fmt.Errorf("xmlrpc: malformed struct member")
			}
			decoded, err := decodeValue(value)
			if err != nil {
				return nil, err
			}
			m[name.Text] = decoded
		}
		return m, nil
	case "array":
		data := typed.child("data")
		if data == nil {
			return []interface{}{}, nil
		}
		arr := make([]interface{}, 0, len(data.Nodes))
		for i := range data.Nodes {
			decoded, err := decodeValue(&data.Nodes[i])
			if err != nil {
				return nil, err
			}
			arr = append(arr, decoded)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("xmlrpc: unsupported value type %q", typed.XMLName.Local)
	}
}
