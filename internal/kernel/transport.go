package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
)

// rpcRequest and rpcResponse mirror the JSON-RPC envelope the teacher's
// internal/mcp/transport_http.go uses for its outbound MCP calls, adapted
// here to the server side: cogkernel reads rpcRequest off stdio or HTTP and
// answers with rpcResponse, rather than dialing out.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes, per the JSON-RPC 2.0 spec's reserved range; cogkernel
// reuses -32602/-32601 for its own validation/unrecognized-operation cases
// rather than minting a parallel scheme.
const (
	rpcCodeParseError     = -32700
	rpcCodeInvalidParams  = -32602
	rpcCodeMethodNotFound = -32601
	rpcCodeInternalError  = -32000
)

// methodToOperation is the external wire-protocol boundary translating a
// JSON-RPC method string into the closed Operation enum. This lookup table
// is not a handler-dispatch mechanism — actual dispatch always goes through
// Kernel.Dispatch's closed type switch in operation.go; this table only
// decides which typed Params to decode params into before calling it.
var methodToOperation = map[string]Operation{
	"remember":          OpRemember,
	"recall":            OpRecall,
	"record_event":      OpRecordEvent,
	"record_events":     OpRecordEvents,
	"recall_events":     OpRecallEvents,
	"create_procedure":  OpCreateProcedure,
	"find_procedures":   OpFindProcedures,
	"record_execution":  OpRecordExecution,
	"create_task":       OpCreateTask,
	"transition_task":   OpTransitionTask,
	"ready_tasks":       OpReadyTasks,
	"critical_path":     OpCriticalPath,
	"consolidate":       OpConsolidate,
	"quality_summary":   OpQualitySummary,
	"alerts":            OpAlerts,
}

// rpcEnvelope carries the project name every request names alongside its
// operation-specific params, since ProjectID itself is an internal concept
// external callers never see.
type rpcEnvelope struct {
	Project string          `json:"project"`
	Params  json.RawMessage `json:"params"`
}

// Server decodes JSON-RPC requests into Kernel.Dispatch calls. It is the
// transport SPEC_FULL.md's external-collaborator surface names: the server
// side of the envelope the teacher's MCP client tooling uses for the
// opposite direction.
type Server struct {
	kernel *Kernel
}

// NewServer builds a Server routing decoded requests through kernel.
func NewServer(k *Kernel) *Server {
	return &Server{kernel: k}
}

// handle decodes one rpcRequest, dispatches it, and returns the matching
// rpcResponse. It never returns an error itself — every failure mode is
// reported inside the JSON-RPC envelope, per the protocol.
func (s *Server) handle(ctx context.Context, raw rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: raw.ID}

	op, ok := methodToOperation[raw.Method]
	if !ok {
		resp.Error = &rpcError{Code: rpcCodeMethodNotFound, Message: fmt.Sprintf("unrecognized method %q", raw.Method)}
		return resp
	}

	var envelope rpcEnvelope
	if len(raw.Params) > 0 {
		if err := json.Unmarshal(raw.Params, &envelope); err != nil {
			resp.Error = &rpcError{Code: rpcCodeInvalidParams, Message: "malformed params", Data: err.Error()}
			return resp
		}
	}

	projectID, err := s.kernel.ResolveProject(ctx, envelope.Project)
	if err != nil {
		resp.Error = &rpcError{Code: rpcCodeInternalError, Message: "resolve project", Data: err.Error()}
		return resp
	}

	req, decodeErr := decodeRequest(op, projectID, envelope.Params)
	if decodeErr != nil {
		resp.Error = &rpcError{Code: rpcCodeInvalidParams, Message: decodeErr.Error()}
		return resp
	}

	result, err := s.kernel.Dispatch(ctx, req)
	if err != nil {
		resp.Error = &rpcError{Code: rpcErrorCode(err), Message: err.Error()}
		return resp
	}

	resp.Result = result
	return resp
}

// rpcErrorCode maps an errkind.Kind to a JSON-RPC error code, favoring the
// reserved -326xx range for client-caused errors and -32000 otherwise.
func rpcErrorCode(err error) int {
	switch errkind.Of(err) {
	case errkind.Validation:
		return rpcCodeInvalidParams
	case errkind.NotFound:
		return rpcCodeMethodNotFound
	default:
		return rpcCodeInternalError
	}
}

// decodeRequest unmarshals params into the Params struct matching op and
// returns the populated Request. Params fields other than the matching one
// are left nil, as Dispatch's type switch requires.
func decodeRequest(op Operation, projectID int64, params json.RawMessage) (Request, error) {
	req := Request{Op: op, ProjectID: projectID}

	decode := func(target any) error {
		if len(params) == 0 {
			return nil
		}
		return json.Unmarshal(params, target)
	}

	switch op {
	case OpRemember:
		p := &RememberParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.Remember = p
	case OpRecall:
		p := &RecallParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.Recall = p
	case OpRecordEvent:
		p := &RecordEventParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.RecordEvent = p
	case OpRecordEvents:
		p := &RecordEventsParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.RecordEvents = p
	case OpRecallEvents:
		p := &RecallEventsParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.RecallEvents = p
	case OpCreateProcedure:
		p := &CreateProcedureParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.CreateProcedure = p
	case OpFindProcedures:
		p := &FindProceduresParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.FindProcedures = p
	case OpRecordExecution:
		p := &RecordExecutionParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.RecordExecution = p
	case OpCreateTask:
		p := &CreateTaskParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.CreateTask = p
	case OpTransitionTask:
		p := &TransitionTaskParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.TransitionTask = p
	case OpReadyTasks:
		req.ReadyTasks = &ReadyTasksParams{}
	case OpCriticalPath:
		p := &CriticalPathParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.CriticalPath = p
	case OpConsolidate:
		p := &ConsolidateParams{}
		if err := decode(p); err != nil {
			return req, err
		}
		req.Consolidate = p
	case OpQualitySummary:
		req.QualitySummary = &QualitySummaryParams{}
	case OpAlerts:
		req.Alerts = &AlertsParams{}
	default:
		return req, fmt.Errorf("unrecognized operation %v", op)
	}

	return req, nil
}

// ServeHTTP implements http.Handler, answering one JSON-RPC request per
// POST body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var raw rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcCodeParseError, Message: "parse error"}})
		return
	}
	resp := s.handle(r.Context(), raw)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Get(logging.CategoryKernel).Warn("transport: encode response: %v", err)
	}
}

// ServeStdio reads one newline-delimited JSON-RPC request per line from r
// and writes one response per line to w, until r is exhausted or ctx is
// cancelled. This is the CLI's long-running "server mode" surface.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rpcRequest
		if err := json.Unmarshal(line, &raw); err != nil {
			_ = enc.Encode(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcCodeParseError, Message: "parse error"}})
			continue
		}

		resp := s.handle(ctx, raw)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
