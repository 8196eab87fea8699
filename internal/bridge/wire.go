package bridge

import "encoding/json"

// ProxyRequest is the body a Forwarder posts to the primary's /proxy route.
type ProxyRequest struct {
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	InstanceID string          `json:"instanceId"`
}

// ProxyResponse is the primary's reply to a ProxyRequest. Exactly one of
// Response or Error is meaningful.
type ProxyResponse struct {
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// NewProxyResponse builds the reply for a finished submission.
func NewProxyResponse(response json.RawMessage, err error) ProxyResponse {
	if err != nil {
		return ProxyResponse{Error: err.Error(), ErrorKind: KindOf(err)}
	}
	return ProxyResponse{Response: response}
}
