package rpc

import (
	"bytes"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

const version = "2.0"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// positional returns the params array. Only positional params are
// supported.
func (r *request) positional() ([]json.RawMessage, error) {
	p := bytes.TrimSpace(r.Params)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil, nil
	}
	if p[0] != '[' {
		return nil, invalidParams("params must be an array")
	}
	var out []json.RawMessage
	if err := jsonc.Unmarshal(p, &out); err != nil {
		return nil, invalidParams("%v", err)
	}
	return out, nil
}

// isNotification reports a request without an id; it gets no response.
func (r *request) isNotification() bool { return len(r.ID) == 0 }

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// resultResponse always carries a result field, so that a null result is
// serialized as "result": null rather than omitted.
type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, e *Error) any {
	if len(id) == 0 {
		id = nullID
	}
	return &response{JSONRPC: version, ID: id, Error: e}
}

func successResponse(id json.RawMessage, result any) any {
	return &resultResponse{JSONRPC: version, ID: id, Result: result}
}

// parseMessage splits a body into requests. batch reports whether the body
// was a JSON array.
func parseMessage(body []byte) (reqs []*request, batch bool, err error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var raws []json.RawMessage
		if err := jsonc.Unmarshal(body, &raws); err != nil {
			return nil, true, err
		}
		reqs = make([]*request, len(raws))
		for i, raw := range raws {
			req := new(request)
			if jsonc.Unmarshal(raw, req) != nil {
				// keep the slot so the batch answers with an invalid request
				req = nil
			}
			reqs[i] = req
		}
		return reqs, true, nil
	}
	req := new(request)
	if err := jsonc.Unmarshal(body, req); err != nil {
		return nil, false, err
	}
	return []*request{req}, false, nil
}
