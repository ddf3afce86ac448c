package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"searchbridge/internal/domain"
)

func TestMessageIDNumeric(t *testing.T) {
	id := NumericID(42)
	n, ok := id.Uint64()
	if !ok || n != 42 {
		t.Fatalf("Uint64() = %d, %v, want 42, true", n, ok)
	}
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "42" {
		t.Errorf("marshaled id = %s, want 42", data)
	}
}

func TestMessageIDUnmarshalString(t *testing.T) {
	var id MessageID
	if err := json.Unmarshal([]byte(`"abc-1"`), &id); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := id.Uint64(); ok {
		t.Error("string id should not report a numeric value")
	}
	if id.String() != "abc-1" {
		t.Errorf("String() = %q, want %q", id.String(), "abc-1")
	}
}

func TestMessageIDUnmarshalNull(t *testing.T) {
	var id MessageID
	if err := json.Unmarshal([]byte(`null`), &id); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !id.IsZero() {
		t.Error("null id should be zero")
	}
}

func TestMessageIDUnmarshalRejectsFloat(t *testing.T) {
	var id MessageID
	if err := json.Unmarshal([]byte(`12.5`), &id); err == nil {
		t.Error("expected error for non-integer id")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string // "request", "response", "notification"
		wantErr bool
	}{
		{
			name: "request",
			line: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"web_search"}}`,
			want: "request",
		},
		{
			name: "response with result",
			line: `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			want: "response",
		},
		{
			name: "response with null result",
			line: `{"jsonrpc":"2.0","id":7,"result":null}`,
			want: "response",
		},
		{
			name: "response with error",
			line: `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"unknown method"}}`,
			want: "response",
		},
		{
			name: "notification",
			line: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: "notification",
		},
		{
			name:    "wrong version",
			line:    `{"jsonrpc":"1.0","id":1,"result":{}}`,
			wantErr: true,
		},
		{
			name:    "missing version",
			line:    `{"id":1,"result":{}}`,
			wantErr: true,
		},
		{
			name:    "response with result and error",
			line:    `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
			wantErr: true,
		},
		{
			name:    "response with neither result nor error",
			line:    `{"jsonrpc":"2.0","id":1}`,
			wantErr: true,
		},
		{
			name:    "request with result",
			line:    `{"jsonrpc":"2.0","id":1,"method":"m","result":{}}`,
			wantErr: true,
		},
		{
			name:    "neither id nor method",
			line:    `{"jsonrpc":"2.0"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire wireMessage
			if err := json.Unmarshal([]byte(tt.line), &wire); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			msg, err := wire.classify()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("classify() = %T, want error", msg)
				}
				if !errors.Is(err, domain.ErrProtocol) {
					t.Errorf("classify() error should wrap ErrProtocol, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("classify(): %v", err)
			}

			var got string
			switch msg.(type) {
			case *Request:
				got = "request"
			case *Response:
				got = "response"
			case *Notification:
				got = "notification"
			}
			if got != tt.want {
				t.Errorf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRPCErrorString(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "unknown method"}
	want := "rpc error -32601: unknown method"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewRequestMarshalsParams(t *testing.T) {
	req, err := NewRequest(3, MethodToolsCall, CallToolParams{
		Name:      "web_search",
		Arguments: map[string]any{"query": "go"},
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params round trip: %v", err)
	}
	if params.Name != "web_search" {
		t.Errorf("params.Name = %q, want %q", params.Name, "web_search")
	}
}

func TestNewRequestNilParams(t *testing.T) {
	req, err := NewRequest(1, MethodToolsList, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if len(req.Params) != 0 {
		t.Errorf("nil params should produce empty raw message, got %s", req.Params)
	}
}

func TestIsSupportedProtocolVersion(t *testing.T) {
	if !IsSupportedProtocolVersion(ProtocolVersion) {
		t.Errorf("own protocol version %q must be supported", ProtocolVersion)
	}
	if IsSupportedProtocolVersion("1999-01-01") {
		t.Error("unknown revision should not be supported")
	}
}
