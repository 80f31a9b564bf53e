package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// CallShape 调用形态枚举
// 原始实现按 API 名字符串动态分发，这里收敛为封闭的枚举集合，
// 每种形态负责自己的请求路径、参数构造和流式解析方式。
type CallShape int

const (
	ShapeConverse CallShape = iota
	ShapeConverseStream
	ShapeInvokeModel
	ShapeInvokeModelStream
)

// String returns the wire-style name of the call shape.
func (s CallShape) String() string {
	switch s {
	case ShapeConverse:
		return "converse"
	case ShapeConverseStream:
		return "converse-stream"
	case ShapeInvokeModel:
		return "invoke"
	case ShapeInvokeModelStream:
		return "invoke-with-response-stream"
	default:
		return "unknown"
	}
}

// Streaming reports whether the shape produces a streamed response.
func (s CallShape) Streaming() bool {
	return s == ShapeConverseStream || s == ShapeInvokeModelStream
}

// path returns the regional request path for the shape.
func (s CallShape) path(modelID string) string {
	switch s {
	case ShapeConverse:
		return fmt.Sprintf("/model/%s/converse", modelID)
	case ShapeConverseStream:
		return fmt.Sprintf("/model/%s/converse-stream", modelID)
	case ShapeInvokeModel:
		return fmt.Sprintf("/model/%s/invoke", modelID)
	case ShapeInvokeModelStream:
		return fmt.Sprintf("/model/%s/invoke-with-response-stream", modelID)
	default:
		return ""
	}
}

// Message is one structured conversation turn for the converse shapes.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a single content element within a message.
type ContentBlock struct {
	Text string `json:"text,omitempty"`
}

// SystemPrompt is a system-level instruction for the converse shapes.
type SystemPrompt struct {
	Text string `json:"text"`
}

// Request carries one inference call. Messages/System feed the
// structured-message shapes; Body feeds the raw-body shapes. The
// optional fields are applied per shape when the wire payload is
// built, mirroring the open-ended named parameters of the remote API.
type Request struct {
	Shape   CallShape
	ModelID string

	// Structured-message shapes
	Messages []Message
	System   []SystemPrompt

	// Raw-body shapes
	Body []byte

	// Optional converse parameters
	InferenceConfig              map[string]any
	ToolConfig                   map[string]any
	GuardrailConfig              map[string]any
	AdditionalModelRequestFields map[string]any
	AdditionalModelResponseFieldPaths []string

	// Optional invoke parameters
	ContentType         string
	Accept              string
	Trace               string
	GuardrailIdentifier string
	GuardrailVersion    string
}

// Empty reports whether the required payload for the shape is missing.
func (r *Request) Empty() bool {
	if r == nil {
		return true
	}
	switch r.Shape {
	case ShapeConverse, ShapeConverseStream:
		return len(r.Messages) == 0
	case ShapeInvokeModel, ShapeInvokeModelStream:
		return len(r.Body) == 0
	default:
		return true
	}
}

// converseBody builds the JSON wire payload for the converse shapes,
// folding in whichever optional parameters are set.
func (r *Request) converseBody() ([]byte, error) {
	payload := map[string]any{
		"messages": r.Messages,
	}
	if len(r.System) > 0 {
		payload["system"] = r.System
	}
	if len(r.InferenceConfig) > 0 {
		payload["inferenceConfig"] = r.InferenceConfig
	}
	if len(r.ToolConfig) > 0 {
		payload["toolConfig"] = r.ToolConfig
	}
	if len(r.GuardrailConfig) > 0 {
		payload["guardrailConfig"] = r.GuardrailConfig
	}
	if len(r.AdditionalModelRequestFields) > 0 {
		payload["additionalModelRequestFields"] = r.AdditionalModelRequestFields
	}
	if len(r.AdditionalModelResponseFieldPaths) > 0 {
		payload["additionalModelResponseFieldPaths"] = r.AdditionalModelResponseFieldPaths
	}
	return json.Marshal(payload)
}

// Response is the outcome of one successful invocation. Raw holds the
// full decompressed body for non-streaming shapes; Stream holds the
// open body for streaming shapes and must be closed by the caller.
type Response struct {
	Shape      CallShape
	Region     string
	ModelID    string
	StatusCode int
	Raw        []byte
	Stream     io.ReadCloser
}

// TextContent extracts the first text block of the model output from a
// non-streaming response. Returns "" when the response carries no
// recognizable content.
func (r *Response) TextContent() string {
	if r == nil || len(r.Raw) == 0 {
		return ""
	}

	switch r.Shape {
	case ShapeConverse:
		var parsed struct {
			Output struct {
				Message struct {
					Content []ContentBlock `json:"content"`
				} `json:"message"`
			} `json:"output"`
		}
		if err := json.Unmarshal(r.Raw, &parsed); err != nil {
			return ""
		}
		if len(parsed.Output.Message.Content) == 0 {
			return ""
		}
		return parsed.Output.Message.Content[0].Text

	case ShapeInvokeModel:
		var parsed struct {
			Content []ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(r.Raw, &parsed); err != nil {
			return ""
		}
		if len(parsed.Content) == 0 {
			return ""
		}
		return parsed.Content[0].Text
	}

	return ""
}

// Usage extracts token usage from a non-streaming response body.
func (r *Response) Usage() map[string]any {
	if r == nil || len(r.Raw) == 0 {
		return nil
	}
	var parsed struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(r.Raw, &parsed); err != nil {
		return nil
	}
	return parsed.Usage
}

// Invoker is the injected transport capability the failover engine
// depends on. Implementations must return *ValidationError for
// caller-side request faults and *TransportError for everything else
// (network failures, timeouts, service errors).
type Invoker interface {
	Invoke(ctx context.Context, region string, req *Request) (*Response, error)
}
