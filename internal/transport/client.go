package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"bedrock-failover/config"
)

const signingService = "bedrock"

// Client is the HTTP implementation of Invoker against a regional
// inference API. Client lifetime per region is configurable: "pooled"
// keeps one http.Client per region for the process lifetime,
// "per_call" constructs a fresh one for every invocation.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	creds  aws.CredentialsProvider
	signer *v4.Signer

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient creates the regional HTTP client. In sigv4 mode the AWS
// credential chain is resolved once at construction.
func NewClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}

	if cfg.Transport.AuthMode == "sigv4" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS credentials: %w", err)
		}
		c.creds = awsCfg.Credentials
		c.signer = v4.NewSigner()
	}

	return c, nil
}

// clientFor returns the http.Client to use for a region according to
// the configured reuse policy.
func (c *Client) clientFor(region string) (*http.Client, error) {
	if c.cfg.Transport.ClientReuse == "per_call" {
		return c.newHTTPClient()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[region]; ok {
		return client, nil
	}
	client, err := c.newHTTPClient()
	if err != nil {
		return nil, err
	}
	c.clients[region] = client
	return client, nil
}

func (c *Client) newHTTPClient() (*http.Client, error) {
	transport, err := CreateTransport(c.cfg)
	if err != nil {
		return nil, err
	}
	// 自行处理 gzip/br 解压，保持 Content-Encoding 可见
	transport.DisableCompression = true
	return &http.Client{Transport: transport}, nil
}

// Invoke sends one request to one region, classifying failures into
// ValidationError (caller-side) and TransportError (endpoint-side).
func (c *Client) Invoke(ctx context.Context, region string, req *Request) (*Response, error) {
	if req.Empty() {
		return nil, &ValidationError{Region: region, Message: "request payload is empty"}
	}

	body, contentType, err := c.buildBody(req)
	if err != nil {
		return nil, &ValidationError{Region: region, Message: fmt.Sprintf("failed to build request body: %v", err)}
	}

	endpoint := fmt.Sprintf(c.cfg.Transport.URLTemplate, region)
	requestURL := endpoint + req.Shape.path(url.PathEscape(req.ModelID))

	// Non-streaming calls are bounded by the read timeout; streaming
	// calls are bounded by the response-header timeout on the
	// transport and stay open afterwards.
	if !req.Shape.Streaming() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Transport.ReadTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Region: region, Message: fmt.Sprintf("failed to build request: %v", err)}
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", c.acceptHeader(req))
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	c.applyInvokeHeaders(httpReq, req)

	if err := c.authorize(ctx, httpReq, region, body); err != nil {
		return nil, &TransportError{Region: region, Message: fmt.Sprintf("failed to sign request: %v", err), Err: err}
	}

	client, err := c.clientFor(region)
	if err != nil {
		return nil, &TransportError{Region: region, Message: fmt.Sprintf("failed to build client: %v", err), Err: err}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, wrapNetworkError(region, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(decodeBody(resp), 4096))
		return nil, classifyStatus(region, resp.StatusCode, string(errBody))
	}

	c.logger.Debug("📥 区域调用成功",
		"region", region,
		"shape", req.Shape.String(),
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if req.Shape.Streaming() {
		return &Response{
			Shape:      req.Shape,
			Region:     region,
			ModelID:    req.ModelID,
			StatusCode: resp.StatusCode,
			Stream:     &decodedBody{Reader: decodeBody(resp), closer: resp.Body},
		}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(decodeBody(resp))
	if err != nil {
		return nil, wrapNetworkError(region, err)
	}

	return &Response{
		Shape:      req.Shape,
		Region:     region,
		ModelID:    req.ModelID,
		StatusCode: resp.StatusCode,
		Raw:        raw,
	}, nil
}

// buildBody constructs the wire payload and its content type per shape.
func (c *Client) buildBody(req *Request) ([]byte, string, error) {
	switch req.Shape {
	case ShapeConverse, ShapeConverseStream:
		body, err := req.converseBody()
		return body, "application/json", err
	case ShapeInvokeModel, ShapeInvokeModelStream:
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		return req.Body, contentType, nil
	default:
		return nil, "", fmt.Errorf("unsupported call shape: %v", req.Shape)
	}
}

func (c *Client) acceptHeader(req *Request) string {
	if req.Accept != "" {
		return req.Accept
	}
	return "application/json"
}

// applyInvokeHeaders sets the optional invoke-shape headers.
func (c *Client) applyInvokeHeaders(httpReq *http.Request, req *Request) {
	if req.Shape != ShapeInvokeModel && req.Shape != ShapeInvokeModelStream {
		return
	}
	if req.Trace != "" {
		httpReq.Header.Set("X-Amzn-Bedrock-Trace", req.Trace)
	}
	if req.GuardrailIdentifier != "" {
		httpReq.Header.Set("X-Amzn-Bedrock-GuardrailIdentifier", req.GuardrailIdentifier)
	}
	if req.GuardrailVersion != "" {
		httpReq.Header.Set("X-Amzn-Bedrock-GuardrailVersion", req.GuardrailVersion)
	}
}

// authorize signs the request (sigv4) or attaches the bearer token.
func (c *Client) authorize(ctx context.Context, httpReq *http.Request, region string, body []byte) error {
	switch c.cfg.Transport.AuthMode {
	case "token":
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Transport.Token)
		return nil
	case "sigv4":
		creds, err := c.creds.Retrieve(ctx)
		if err != nil {
			return fmt.Errorf("retrieve credentials: %w", err)
		}
		sum := sha256.Sum256(body)
		return c.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(sum[:]),
			signingService, region, time.Now())
	default:
		return fmt.Errorf("unknown auth mode: %s", c.cfg.Transport.AuthMode)
	}
}

// decodeBody wraps the response body with the matching decompressor.
func decodeBody(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gz
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

// decodedBody pairs a decompressing reader with the underlying body
// closer for streaming responses.
type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (d *decodedBody) Close() error { return d.closer.Close() }
