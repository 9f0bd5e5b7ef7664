package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// controlClient speaks the orchestrator's REST control plane.
type controlClient struct {
	baseURL string
	http    *http.Client
}

type registerPayload struct {
	ProcessorID  string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	SessionToken string   `json:"session_token"`
}

type registerReply struct {
	Status    string `json:"status"`
	QueueName string `json:"queue_name"`
	Error     string `json:"error"`
}

func (c *controlClient) register(ctx context.Context, p registerPayload) (string, error) {
	var reply registerReply
	code, err := c.post(ctx, "/v1/processors/register", p, &reply)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("register rejected (%d): %s", code, reply.Error)
	}
	return reply.QueueName, nil
}

type heartbeatPayload struct {
	SessionToken string `json:"session_token"`
	Seq          uint64 `json:"seq"`
	Inflight     int    `json:"inflight"`
}

// errSessionLost marks heartbeat/deregister responses meaning the orchestrator
// no longer recognises this incarnation; the worker must re-register.
var errSessionLost = fmt.Errorf("session no longer known to orchestrator")

func (c *controlClient) heartbeat(ctx context.Context, processorID string, p heartbeatPayload) error {
	code, err := c.post(ctx, "/v1/processors/"+processorID+"/heartbeat", p, nil)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusConflict:
		return errSessionLost
	default:
		return fmt.Errorf("heartbeat rejected (%d)", code)
	}
}

func (c *controlClient) deregister(ctx context.Context, processorID, sessionToken string) error {
	code, err := c.post(ctx, "/v1/processors/"+processorID+"/deregister",
		map[string]string{"session_token": sessionToken}, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("deregister rejected (%d)", code)
	}
	return nil
}

func (c *controlClient) post(ctx context.Context, path string, body, out interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
