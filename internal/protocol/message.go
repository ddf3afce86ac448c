// Package protocol implements the wire protocol spoken to the tool host:
// JSON-RPC 2.0 messages, one per line, over the subprocess's stdin/stdout.
//
// Frames are classified into a closed set of message variants (Request,
// Response, Notification). A structurally invalid frame yields an error
// wrapping domain.ErrProtocol; because framing is newline-delimited the
// stream resynchronizes at the next line, so such errors are recoverable
// by the caller. Stream-level I/O failures are terminal.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"searchbridge/internal/domain"
)

// Version is the JSON-RPC protocol version tag carried by every frame.
const Version = "2.0"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is the error member of a response, reported by the tool host.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MessageID is a JSON-RPC correlation id. The bridge always assigns numeric
// ids; inbound ids are accepted as numbers or strings per the JSON-RPC spec.
type MessageID struct {
	num   uint64
	str   string
	isStr bool
	set   bool
}

// NumericID builds the id form the bridge assigns to outgoing requests.
func NumericID(n uint64) MessageID {
	return MessageID{num: n, set: true}
}

// Uint64 returns the numeric value, or false for string-form or absent ids.
func (id MessageID) Uint64() (uint64, bool) {
	if !id.set || id.isStr {
		return 0, false
	}
	return id.num, true
}

// IsZero reports whether the id is absent.
func (id MessageID) IsZero() bool { return !id.set }

func (id MessageID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isStr:
		return id.str
	default:
		return strconv.FormatUint(id.num, 10)
	}
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatUint(id.num, 10)), nil
	}
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = MessageID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID{str: s, isStr: true, set: true}
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("unsupported id %q: %w", data, err)
	}
	*id = MessageID{num: n, set: true}
	return nil
}

// Message is one protocol frame: exactly one of the three variants.
type Message interface {
	message()
}

// Request is a call that expects a Response carrying the same id.
type Request struct {
	ID     MessageID
	Method string
	Params json.RawMessage
}

func (*Request) message() {}

// Response resolves the Request with the matching id. Exactly one of Result
// and Error is populated.
type Response struct {
	ID     MessageID
	Result json.RawMessage
	Error  *RPCError
}

func (*Response) message() {}

// Notification is a one-way message; it never receives a response.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Notification) message() {}

// NewRequest builds a Request, marshaling params. A nil params produces a
// request without a params member.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, domain.NewDomainError("protocol.NewRequest", domain.ErrInvalidInput, err.Error())
	}
	return &Request{ID: NumericID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, domain.NewDomainError("protocol.NewNotification", domain.ErrInvalidInput, err.Error())
	}
	return &Notification{Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// wireMessage is the superset of JSON-RPC members, used to classify frames.
// ID is a pointer so that encoded notifications omit the member entirely; an
// explicit "id": null decodes to a present-but-zero MessageID and is treated
// as absent.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *MessageID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// classify validates a decoded wire frame and returns its variant.
func (w *wireMessage) classify() (Message, error) {
	if w.JSONRPC != Version {
		return nil, protocolErr(fmt.Sprintf("unsupported jsonrpc version %q", w.JSONRPC))
	}
	hasID := w.ID != nil && !w.ID.IsZero()
	hasMethod := w.Method != ""
	// A literal "result": null still counts as a result member.
	hasResult := len(w.Result) > 0
	hasError := w.Error != nil

	switch {
	case hasID && hasMethod:
		if hasResult || hasError {
			return nil, protocolErr("request carries result or error")
		}
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case hasID:
		if hasResult == hasError {
			return nil, protocolErr("response must carry exactly one of result and error")
		}
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	case hasMethod:
		return &Notification{Method: w.Method, Params: w.Params}, nil
	default:
		return nil, protocolErr("frame has neither id nor method")
	}
}

func protocolErr(detail string) error {
	return domain.NewSubSystemError("protocol", "Decoder.Decode", domain.ErrProtocol, detail)
}
