package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in JSON-RPC, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged on the handshake transport.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
// The client sends its Info as clientInfo in the initialize request, the server answers with
// its own as serverInfo.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CapabilitySet maps a capability name to its string descriptor. It is used in both directions
// of the handshake to advertise supported features. Keys are unique and order is irrelevant.
type CapabilitySet map[string]string

// InitializeParams is the payload of the initialize request sent by the client.
type InitializeParams struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	SessionID       *string       `json:"sessionId,omitempty"`
	Authentication  *string       `json:"authentication,omitempty"`
	ClientInfo      Info          `json:"clientInfo"`
}

// InitializeResult is the server's answer to initialize. SessionID and Authentication are always
// encoded, as null when they are not set.
type InitializeResult struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	SessionID       *string       `json:"sessionId"`
	Authentication  *string       `json:"authentication"`
	ServerInfo      Info          `json:"serverInfo"`
}

// InitializedParams is the optional payload of the initialized call. SessionID is only consulted
// when the server runs with strict handshakes.
type InitializedParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// AnnouncementEvent is a single event pushed on the event stream, advertising where the
// handshake transport can be reached. Data holds the URL-encoded endpoint.
type AnnouncementEvent struct {
	Event string
	Data  string
}

// SessionState is the position of a session in the handshake state machine.
type SessionState int

// initializeWire mirrors InitializeParams with pointers, so missing required fields can be told
// apart from empty ones.
type initializeWire struct {
	ProtocolVersion *string        `json:"protocolVersion"`
	Capabilities    *CapabilitySet `json:"capabilities"`
	SessionID       *string        `json:"sessionId"`
	Authentication  *string        `json:"authentication"`
	ClientInfo      *struct {
		Name    *string `json:"name"`
		Version *string `json:"version"`
	} `json:"clientInfo"`
}

// Handshake states.
const (
	SessionNotStarted SessionState = iota
	SessionInitializing
	SessionReady
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the protocol revision this server speaks. It is returned in every
	// initialize response.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the first step of the handshake.
	MethodInitialize = "initialize"
	// MethodInitialized is the method name of the second step of the handshake.
	MethodInitialized = "initialized"
	// MethodNotificationsInitialized is the standard MCP spelling of MethodInitialized, accepted as an alias.
	MethodNotificationsInitialized = "notifications/initialized"

	// EventEndpoint is the SSE event type carrying the handshake endpoint.
	EventEndpoint = "endpoint"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

func (s SessionState) String() string {
	switch s {
	case SessionNotStarted:
		return "not_started"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	default:
		return "unknown"
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// MarshalJSON encodes the set as a JSON object. A nil set is written as {} rather than null.
func (c CapabilitySet) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(c))
}

// Intersect returns the capabilities present in both c and supported, with the descriptor
// taken from supported. The result is never nil.
func (c CapabilitySet) Intersect(supported CapabilitySet) CapabilitySet {
	res := CapabilitySet{}
	for name := range c {
		if desc, ok := supported[name]; ok {
			res[name] = desc
		}
	}
	return res
}

// Session returns the issued session ID, or an empty string when the server did not issue one.
func (r InitializeResult) Session() string {
	if r.SessionID == nil {
		return ""
	}
	return *r.SessionID
}

// NewAnnouncementEvent builds the announcement for the given handshake endpoint.
func NewAnnouncementEvent(endpoint string) AnnouncementEvent {
	return AnnouncementEvent{
		Event: EventEndpoint,
		Data:  url.QueryEscape(endpoint),
	}
}

// Endpoint decodes the announced handshake endpoint URL.
func (a AnnouncementEvent) Endpoint() (string, error) {
	return url.QueryUnescape(a.Data)
}

// decodeInitializeParams parses initialize params given either by name (JSON object) or by
// position ([protocolVersion, capabilities, clientInfo]). Unknown fields are ignored; missing
// required fields are reported as a ProtocolError.
func decodeInitializeParams(raw json.RawMessage) (InitializeParams, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return InitializeParams{}, newInvalidParamsError("missing params")
	}

	var wire initializeWire
	if raw[0] == '[' {
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return InitializeParams{}, newInvalidParamsError(fmt.Sprintf("failed to unmarshal params: %s", err))
		}
		if len(positional) < 3 {
			return InitializeParams{}, newInvalidParamsError(
				fmt.Sprintf("expected 3 positional params, got %d", len(positional)))
		}
		fields := []any{&wire.ProtocolVersion, &wire.Capabilities, &wire.ClientInfo}
		for i, f := range fields {
			if err := json.Unmarshal(positional[i], f); err != nil {
				return InitializeParams{}, newInvalidParamsError(
					fmt.Sprintf("failed to unmarshal param %d: %s", i, err))
			}
		}
	} else if err := json.Unmarshal(raw, &wire); err != nil {
		return InitializeParams{}, newInvalidParamsError(fmt.Sprintf("failed to unmarshal params: %s", err))
	}

	switch {
	case wire.ProtocolVersion == nil:
		return InitializeParams{}, newInvalidParamsError("missing required field 'protocolVersion'")
	case wire.Capabilities == nil:
		return InitializeParams{}, newInvalidParamsError("missing required field 'capabilities'")
	case wire.ClientInfo == nil:
		return InitializeParams{}, newInvalidParamsError("missing required field 'clientInfo'")
	case wire.ClientInfo.Name == nil:
		return InitializeParams{}, newInvalidParamsError("missing required field 'clientInfo.name'")
	case wire.ClientInfo.Version == nil:
		return InitializeParams{}, newInvalidParamsError("missing required field 'clientInfo.version'")
	}

	return InitializeParams{
		ProtocolVersion: *wire.ProtocolVersion,
		Capabilities:    *wire.Capabilities,
		SessionID:       wire.SessionID,
		Authentication:  wire.Authentication,
		ClientInfo: Info{
			Name:    *wire.ClientInfo.Name,
			Version: *wire.ClientInfo.Version,
		},
	}, nil
}

// decodeInitializedParams accepts absent, null, empty-array or object params.
func decodeInitializedParams(raw json.RawMessage) (InitializedParams, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '[' {
		return InitializedParams{}, nil
	}
	var params InitializedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return InitializedParams{}, newInvalidParamsError(fmt.Sprintf("failed to unmarshal params: %s", err))
	}
	return params, nil
}
