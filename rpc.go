package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
)

// RPCHandlerOption represents the options for the RPC handler.
type RPCHandlerOption func(*rpcHandler)

// rpcHandler serves the handshake transport: one JSON-RPC request per HTTP POST, answered
// synchronously with one JSON response.
type rpcHandler struct {
	svc Handshaker

	maxBodySize int64
	logger      *slog.Logger
}

var (
	defaultRPCMaxBodySize int64 = 1 << 20

	jsonMediaType = contenttype.NewMediaType("application/json")

	errMissingMethod = errors.New("missing method")

	nullID = json.RawMessage("null")
)

// rpcRequest is the wire form of an incoming request. The id is kept raw so the response
// carries it back exactly as sent.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the wire form of a response, echoing the raw request id.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewRPCHandler returns an http.Handler that dispatches initialize and initialized requests to svc.
//
// Malformed payloads are answered with a JSON-RPC error object rather than by dropping the
// connection; unknown fields in the payload are ignored. Notifications (requests without an id)
// are answered with 202 Accepted and an empty body.
func NewRPCHandler(svc Handshaker, options ...RPCHandlerOption) http.Handler {
	h := &rpcHandler{
		svc:         svc,
		maxBodySize: defaultRPCMaxBodySize,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// WithRPCMaxBodySize limits the size of accepted request bodies.
func WithRPCMaxBodySize(size int64) RPCHandlerOption {
	return func(h *rpcHandler) {
		h.maxBodySize = size
	}
}

// WithRPCLogger sets the logger for the RPC handler.
func WithRPCLogger(logger *slog.Logger) RPCHandlerOption {
	return func(h *rpcHandler) {
		h.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "rpc"),
		)
	}
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		// The request is dropped, other requests on the listener are unaffected.
		nErr := &ConnectionError{Op: "read request", Err: err}
		h.logger.Warn("failed to read request", slog.String("err", nErr.Error()))
		return
	}

	var msg rpcRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Info("failed to decode message", slog.String("err", err.Error()))
		h.writeMessage(w, rpcResponse{
			JSONRPC: JSONRPCVersion,
			ID:      nullID,
			Error: &JSONRPCError{
				Code:    jsonRPCParseErrorCode,
				Message: fmt.Sprintf("failed to decode message: %s", err),
			},
		})
		return
	}

	res, notification := h.handle(r, msg)
	if notification {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if len(res.ID) == 0 {
		res.ID = nullID
	}
	h.writeMessage(w, res)
}

// handle runs the request through the Handshaker. The boolean result reports whether the
// message was a notification, in which case no response body is sent.
func (h *rpcHandler) handle(r *http.Request, msg rpcRequest) (rpcResponse, bool) {
	ctx := r.Context()
	logger := h.logger.With(slog.String("method", msg.Method), slog.String("id", msg.logID()))

	res := rpcResponse{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	notification := len(msg.ID) == 0 && msg.Method != ""

	if !validID(msg.ID) {
		res.ID = nullID
		res.Error = newInvalidRequestError("id must be a string, a number or null").JSONRPCError()
		return res, false
	}

	if msg.JSONRPC != JSONRPCVersion {
		res.Error = newInvalidRequestError(fmt.Sprintf("invalid jsonrpc version %q", msg.JSONRPC)).JSONRPCError()
		return res, false
	}

	var result any
	var err error

	switch msg.Method {
	case MethodInitialize:
		var params InitializeParams
		params, err = decodeInitializeParams(msg.Params)
		if err != nil {
			break
		}
		result, err = h.svc.Initialize(ctx, params)
	case MethodInitialized, MethodNotificationsInitialized:
		var params InitializedParams
		params, err = decodeInitializedParams(msg.Params)
		if err != nil {
			break
		}
		if params.SessionID == "" {
			params.SessionID = r.Header.Get(sessionIDHeader)
		}
		err = h.svc.Initialized(ctx, params)
	case "":
		err = newInvalidRequestError(errMissingMethod.Error())
		notification = false
	default:
		err = &ProtocolError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	if err != nil {
		logger.Info("request failed", slog.String("err", err.Error()))
		res.Error = toJSONRPCError(err)
		return res, notification
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		logger.Error("failed to marshal result", slog.String("err", mErr.Error()))
		res.Error = toJSONRPCError(mErr)
		return res, notification
	}
	res.Result = resBs

	logger.Debug("request handled")

	return res, notification
}

func (h *rpcHandler) writeMessage(w http.ResponseWriter, msg rpcResponse) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msgBs); err != nil {
		nErr := &ConnectionError{Op: "write response", Err: err}
		h.logger.Warn("failed to write response", slog.String("err", nErr.Error()))
	}
}

// logID renders the request id for logs.
func (r rpcRequest) logID() string {
	if len(r.ID) == 0 {
		return ""
	}
	var id MustString
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return string(r.ID)
	}
	return string(id)
}

// validID reports whether raw is absent, a string, a number or null.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	switch c := raw[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	default:
		return bytes.Equal(raw, nullID)
	}
}

const sessionIDHeader = "Mcp-Session-Id"
