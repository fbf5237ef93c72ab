package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServeStdioRoundTripsARememberCall(t *testing.T) {
	k := newTestKernel(t)
	s := NewServer(k)

	reqLine, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "remember",
		"params": map[string]any{
			"project": "stdio-test",
			"params": map[string]any{
				"statement":  "the transport test passed",
				"domain":     "test",
				"confidence": 0.9,
			},
		},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	err = s.ServeStdio(context.Background(), bytes.NewReader(append(reqLine, '\n')), &out)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	k := newTestKernel(t)
	s := NewServer(k)

	resp := s.handle(context.Background(), rpcRequest{JSONRPC: "2.0", Method: "not_a_real_method"})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeMethodNotFound, resp.Error.Code)
}

func TestHandleRejectsMalformedParams(t *testing.T) {
	k := newTestKernel(t)
	s := NewServer(k)

	resp := s.handle(context.Background(), rpcRequest{JSONRPC: "2.0", Method: "remember", Params: json.RawMessage(`"not an object"`)})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeInvalidParams, resp.Error.Code)
}
