package stream

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"bedrock-failover/internal/transport"
)

// 缓冲区大小常量
const (
	readBufferSize = 8192 // 8KB主缓冲区
	maxLineSize    = 1 << 20
)

// Chunk is one decoded streaming event. Text carries the extracted
// delta text when the event has one; Raw always carries the full
// decoded event payload.
type Chunk struct {
	Text string
	Raw  json.RawMessage
}

// Reader 流式响应块读取器
// 把远端事件流转成有限的惰性序列：Next 逐块产出，正常结束返回
// io.EOF，传输中断返回其他错误，二者由调用方区分处理。
// 每次调用产生一个新的 Reader，序列不可重入但可按调用重启。
type Reader struct {
	shape   transport.CallShape
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
}

// NewReader wraps a streaming response body for the given call shape.
// The reader owns the body; Close releases it.
func NewReader(shape transport.CallShape, body io.ReadCloser) *Reader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, readBufferSize), maxLineSize)
	return &Reader{
		shape:   shape,
		body:    body,
		scanner: scanner,
	}
}

// Next returns the next decoded chunk. io.EOF signals the stream ended
// normally; any other error means the underlying transport failed
// mid-stream. Events that carry no extractable payload are skipped.
func (r *Reader) Next() (Chunk, error) {
	if r.err != nil {
		return Chunk{}, r.err
	}

	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		chunk, ok, err := r.decode([]byte(payload))
		if err != nil {
			r.err = err
			return Chunk{}, err
		}
		if !ok {
			// 事件不含文本内容（例如 messageStart/metadata），跳过
			continue
		}
		return chunk, nil
	}

	if err := r.scanner.Err(); err != nil {
		r.err = &transport.TransportError{Message: fmt.Sprintf("stream interrupted: %v", err), Err: err}
		return Chunk{}, r.err
	}

	r.err = io.EOF
	return Chunk{}, io.EOF
}

// decode extracts the chunk for the reader's call shape.
func (r *Reader) decode(payload []byte) (Chunk, bool, error) {
	switch r.shape {
	case transport.ShapeConverseStream:
		return decodeConverseEvent(payload)
	case transport.ShapeInvokeModelStream:
		return decodeInvokeEvent(payload)
	default:
		return Chunk{}, false, fmt.Errorf("call shape %v does not stream", r.shape)
	}
}

// CollectText drains the sequence and concatenates all text chunks.
// A clean end of stream is not an error; a transport failure is.
func (r *Reader) CollectText() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Text)
	}
}

// Close releases the underlying response body.
func (r *Reader) Close() error {
	return r.body.Close()
}

// decodeConverseEvent handles converse-stream events: text rides in
// contentBlockDelta.delta.text.
func decodeConverseEvent(payload []byte) (Chunk, bool, error) {
	if !json.Valid(payload) {
		return Chunk{}, false, &transport.TransportError{Message: "malformed stream event"}
	}

	var event struct {
		ContentBlockDelta *struct {
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		} `json:"contentBlockDelta"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return Chunk{}, false, &transport.TransportError{Message: "malformed stream event", Err: err}
	}
	if event.ContentBlockDelta == nil {
		return Chunk{}, false, nil
	}
	return Chunk{Text: event.ContentBlockDelta.Delta.Text, Raw: append(json.RawMessage(nil), payload...)}, true, nil
}

// decodeInvokeEvent handles invoke-with-response-stream events: the
// real payload is base64 inside chunk.bytes, itself JSON with
// delta.text.
func decodeInvokeEvent(payload []byte) (Chunk, bool, error) {
	var event struct {
		Chunk *struct {
			Bytes string `json:"bytes"`
		} `json:"chunk"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return Chunk{}, false, &transport.TransportError{Message: "malformed stream event", Err: err}
	}
	if event.Chunk == nil {
		return Chunk{}, false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(event.Chunk.Bytes)
	if err != nil {
		// 非 base64 的 bytes 字段按原文处理
		decoded = []byte(event.Chunk.Bytes)
	}

	var inner struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(decoded, &inner); err != nil {
		return Chunk{}, false, nil
	}
	if inner.Delta.Text == "" && !bytes.Contains(decoded, []byte(`"delta"`)) {
		return Chunk{}, false, nil
	}
	return Chunk{Text: inner.Delta.Text, Raw: append(json.RawMessage(nil), decoded...)}, true, nil
}
