package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcp-handshake"
)

type errHandshaker struct {
	err error
}

func (e errHandshaker) Initialize(context.Context, mcp.InitializeParams) (mcp.InitializeResult, error) {
	return mcp.InitializeResult{}, e.err
}

func (e errHandshaker) Initialized(context.Context, mcp.InitializedParams) error {
	return e.err
}

type recordingHandshaker struct {
	mcp.HandshakeService
	initialized chan mcp.InitializedParams
}

func (r recordingHandshaker) Initialized(ctx context.Context, params mcp.InitializedParams) error {
	r.initialized <- params
	return r.HandshakeService.Initialized(ctx, params)
}

func postRPC(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, bs
}

func decodeResponse(t *testing.T, bs []byte) mcp.JSONRPCMessage {
	t.Helper()

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(bs, &msg); err != nil {
		t.Fatalf("failed to decode response %s: %v", bs, err)
	}
	return msg
}

func TestRPCHandlerInitialize(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"0.0.1",` +
		`"capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`

	resp, body := postRPC(t, srv.URL, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content type %q, want %q", ct, "application/json")
	}

	want := `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{},` +
		`"sessionId":null,"authentication":null,"serverInfo":{"name":"test-server","version":"0.1.0"}}}`
	if string(body) != want {
		t.Errorf("got %s, want %s", body, want)
	}

	// Same request again, same bytes.
	_, again := postRPC(t, srv.URL, req)
	if string(again) != string(body) {
		t.Errorf("got %s, want byte-identical %s", again, body)
	}
}

func TestRPCHandlerInitializeParamsForms(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	tests := []struct {
		name   string
		params string
	}{
		{
			name:   "named params with unknown fields",
			params: `{"protocolVersion":"1","capabilities":{"x":"y"},"clientInfo":{"name":"a","version":"b"},"extra":true}`,
		},
		{
			name:   "named params with session and authentication",
			params: `{"protocolVersion":"1","capabilities":{},"sessionId":"s","authentication":"t","clientInfo":{"name":"a","version":"b"}}`,
		},
		{
			name:   "positional params",
			params: `["1",{},{"name":"a","version":"b"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":"req","method":"initialize","params":`+tt.params+`}`)
			msg := decodeResponse(t, body)
			if msg.Error != nil {
				t.Fatalf("unexpected error: %+v", msg.Error)
			}

			var res mcp.InitializeResult
			if err := json.Unmarshal(msg.Result, &res); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if res.ProtocolVersion != mcp.ProtocolVersion {
				t.Errorf("got protocol version %q, want %q", res.ProtocolVersion, mcp.ProtocolVersion)
			}
			if res.SessionID != nil {
				t.Errorf("got session %q, want nil", *res.SessionID)
			}
		})
	}
}

func TestRPCHandlerErrors(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "invalid JSON",
			body:     `{"jsonrpc":"2.0",`,
			wantCode: -32700,
		},
		{
			name:     "wrong jsonrpc version",
			body:     `{"jsonrpc":"1.0","id":1,"method":"initialize"}`,
			wantCode: -32600,
		},
		{
			name:     "missing method",
			body:     `{"jsonrpc":"2.0","id":1}`,
			wantCode: -32600,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			wantCode: -32601,
			wantMsg:  "method not found: tools/list",
		},
		{
			name:     "missing params",
			body:     `{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
			wantCode: -32602,
		},
		{
			name: "missing protocolVersion",
			body: `{"jsonrpc":"2.0","id":1,"method":"initialize",` +
				`"params":{"capabilities":{},"clientInfo":{"name":"a","version":"b"}}}`,
			wantCode: -32602,
			wantMsg:  "missing required field 'protocolVersion'",
		},
		{
			name: "missing capabilities",
			body: `{"jsonrpc":"2.0","id":1,"method":"initialize",` +
				`"params":{"protocolVersion":"1","clientInfo":{"name":"a","version":"b"}}}`,
			wantCode: -32602,
			wantMsg:  "missing required field 'capabilities'",
		},
		{
			name:     "missing clientInfo",
			body:     `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1","capabilities":{}}}`,
			wantCode: -32602,
			wantMsg:  "missing required field 'clientInfo'",
		},
		{
			name: "missing clientInfo version",
			body: `{"jsonrpc":"2.0","id":1,"method":"initialize",` +
				`"params":{"protocolVersion":"1","capabilities":{},"clientInfo":{"name":"a"}}}`,
			wantCode: -32602,
			wantMsg:  "missing required field 'clientInfo.version'",
		},
		{
			name:     "too few positional params",
			body:     `{"jsonrpc":"2.0","id":1,"method":"initialize","params":["1",{}]}`,
			wantCode: -32602,
		},
		{
			name: "capabilities of wrong type",
			body: `{"jsonrpc":"2.0","id":1,"method":"initialize",` +
				`"params":{"protocolVersion":"1","capabilities":[],"clientInfo":{"name":"a","version":"b"}}}`,
			wantCode: -32602,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postRPC(t, srv.URL, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
			}

			msg := decodeResponse(t, body)
			if msg.Error == nil {
				t.Fatalf("expected error, got result %s", msg.Result)
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("got code %d, want %d", msg.Error.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && msg.Error.Message != tt.wantMsg {
				t.Errorf("got message %q, want %q", msg.Error.Message, tt.wantMsg)
			}
			if msg.Result != nil {
				t.Errorf("got result %s alongside error", msg.Result)
			}
		})
	}
}

func TestRPCHandlerInitialized(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	bodies := []string{
		`{"jsonrpc":"2.0","id":2,"method":"initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"initialized","params":[]}`,
		`{"jsonrpc":"2.0","id":2,"method":"initialized","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"method":"notifications/initialized"}`,
	}

	for _, b := range bodies {
		_, body := postRPC(t, srv.URL, b)
		want := `{"jsonrpc":"2.0","id":2,"result":null}`
		if string(body) != want {
			t.Errorf("request %s: got %s, want %s", b, body, want)
		}
	}
}

func TestRPCHandlerEchoesID(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	tests := []struct {
		name string
		id   string
	}{
		{name: "small number", id: `1`},
		{name: "number above 2^53", id: `9007199254740993`},
		{name: "fractional number", id: `1.5`},
		{name: "negative number", id: `-7`},
		{name: "string", id: `"abc"`},
		{name: "null", id: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":`+tt.id+`,"method":"initialized"}`)

			want := `{"jsonrpc":"2.0","id":` + tt.id + `,"result":null}`
			if string(body) != want {
				t.Errorf("got %s, want %s", body, want)
			}
		})
	}
}

func TestRPCHandlerErrorIDs(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo)))
	defer srv.Close()

	tests := []struct {
		name   string
		body   string
		wantID string
	}{
		{
			name:   "parse error",
			body:   `{"jsonrpc":"2.0",`,
			wantID: `null`,
		},
		{
			name:   "object id",
			body:   `{"jsonrpc":"2.0","id":{"a":1},"method":"initialized"}`,
			wantID: `null`,
		},
		{
			name:   "missing method without id",
			body:   `{"jsonrpc":"2.0"}`,
			wantID: `null`,
		},
		{
			name:   "unknown method",
			body:   `{"jsonrpc":"2.0","id":9007199254740993,"method":"tools/list"}`,
			wantID: `9007199254740993`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postRPC(t, srv.URL, tt.body)

			var res struct {
				ID    json.RawMessage   `json:"id"`
				Error *mcp.JSONRPCError `json:"error"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				t.Fatalf("failed to decode response %s: %v", body, err)
			}
			if res.Error == nil {
				t.Fatalf("expected error in %s", body)
			}
			if string(res.ID) != tt.wantID {
				t.Errorf("got id %s, want %s", res.ID, tt.wantID)
			}
		})
	}
}

func TestRPCHandlerNotification(t *testing.T) {
	rec := recordingHandshaker{
		HandshakeService: mcp.NewHandshakeService(testServerInfo),
		initialized:      make(chan mcp.InitializedParams, 1),
	}
	srv := httptest.NewServer(mcp.NewRPCHandler(rec))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL,
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "from-header")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	bs, _ := io.ReadAll(resp.Body)
	if len(bs) != 0 {
		t.Errorf("got body %q, want empty", bs)
	}

	params := <-rec.initialized
	if params.SessionID != "from-header" {
		t.Errorf("got session %q, want %q", params.SessionID, "from-header")
	}
}

func TestRPCHandlerHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(mcp.NewHandshakeService(testServerInfo),
		mcp.WithRPCMaxBodySize(64)))
	defer srv.Close()

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
		}
		if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
			t.Errorf("got Allow %q, want %q", allow, http.MethodPost)
		}
	})

	t.Run("unsupported media type", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "text/plain", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("failed to post: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusUnsupportedMediaType)
		}
	})

	t.Run("body too large", func(t *testing.T) {
		resp, _ := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"`+
			strings.Repeat("x", 128)+`"}`)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
		}
	})
}

func TestRPCHandlerInternalError(t *testing.T) {
	srv := httptest.NewServer(mcp.NewRPCHandler(errHandshaker{err: io.ErrUnexpectedEOF}))
	defer srv.Close()

	_, body := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"initialized"}`)
	msg := decodeResponse(t, body)
	if msg.Error == nil {
		t.Fatal("expected error")
	}
	if msg.Error.Code != -32603 {
		t.Errorf("got code %d, want -32603", msg.Error.Code)
	}
	if strings.Contains(msg.Error.Message, io.ErrUnexpectedEOF.Error()) {
		t.Errorf("internal error text leaked: %q", msg.Error.Message)
	}
}
