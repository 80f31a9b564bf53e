package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock-failover/internal/endpoint"
	"bedrock-failover/internal/failover"
	"bedrock-failover/internal/transport"
)

type invokerFunc func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error)

func (f invokerFunc) Invoke(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
	return f(ctx, region, req)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEndpoints(t *testing.T, snapshot endpoint.Snapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoints.json")
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newEngine(path string, invoker transport.Invoker) *failover.Engine {
	return failover.New(failover.Config{
		EndpointsFile:        path,
		MaxAttempts:          5,
		MaxAttemptsPerRegion: 1,
		PrimaryPreference:    true,
		CooldownWindow:       time.Hour,
	}, endpoint.NewStore(discardLogger()), invoker, discardLogger(),
		failover.WithSelector(endpoint.NewSelector(true, discardLogger(),
			endpoint.WithRandIntN(func(n int) int { return 0 }))))
}

func converseReq() *transport.Request {
	return &transport.Request{
		Shape:   transport.ShapeConverse,
		ModelID: "anthropic.claude-3-haiku",
		Messages: []transport.Message{
			{Role: "user", Content: []transport.ContentBlock{{Text: "hello"}}},
		},
	}
}

// 完整链路：首区域故障切换成功，持久化后新引擎实例避开冷却区域。
func TestFailoverPersistAndRecoverAcrossEngines(t *testing.T) {
	path := writeEndpoints(t, endpoint.Snapshot{
		{Region: "us-east-1", Primary: true},
		{Region: "eu-central-1", Primary: false},
	})

	usEastDown := atomic.Bool{}
	usEastDown.Store(true)
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		if region == "us-east-1" && usEastDown.Load() {
			return nil, &transport.TransportError{Region: region, StatusCode: 503, Message: "throttled"}
		}
		return &transport.Response{Region: region, StatusCode: 200, Raw: []byte(`{}`)}, nil
	})

	// 第一个引擎：故障切换到eu并持久化失败状态
	first := newEngine(path, invoker)
	resp, err := first.Invoke(context.Background(), converseReq())
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", resp.Region)

	written, err := first.PersistFailures()
	require.NoError(t, err)
	require.True(t, written)

	// 第二个引擎从同一文件启动，us-east-1处于冷却期，直接走eu
	second := newEngine(path, invoker)
	usEastDown.Store(false) // 即使区域已恢复，冷却依然生效

	resp, err = second.Invoke(context.Background(), converseReq())
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", resp.Region)

	snapshot := second.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Greater(t, snapshot[0].NextAvailableTime, time.Now().Unix())
}

// 冷却过期后区域重新参与选择。
func TestCooldownExpiryRestoresRegion(t *testing.T) {
	past := time.Now().Add(-time.Minute).Unix()
	path := writeEndpoints(t, endpoint.Snapshot{
		{Region: "us-east-1", Primary: true, NextAvailableTime: past},
		{Region: "eu-central-1", Primary: false},
	})

	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Region: region, StatusCode: 200, Raw: []byte(`{}`)}, nil
	})

	engine := newEngine(path, invoker)
	resp, err := engine.Invoke(context.Background(), converseReq())

	require.NoError(t, err)
	// 过期的冷却时间不再排除区域
	assert.Equal(t, "us-east-1", resp.Region)
}

// 全部区域冷却时快速失败，不消耗预算。
func TestAllRegionsCoolingFailsFast(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	path := writeEndpoints(t, endpoint.Snapshot{
		{Region: "us-east-1", Primary: true, NextAvailableTime: future},
		{Region: "eu-central-1", NextAvailableTime: future},
	})

	var calls atomic.Int32
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine := newEngine(path, invoker)
	_, err := engine.Invoke(context.Background(), converseReq())

	require.Error(t, err)
	assert.True(t, failover.IsInvalidRequest(err))
	assert.Zero(t, calls.Load())
}

// 外部进程写入的端点状态通过Reload生效。
func TestReloadPicksUpExternalEdits(t *testing.T) {
	path := writeEndpoints(t, endpoint.Snapshot{
		{Region: "us-east-1", Primary: true},
	})

	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Region: region, StatusCode: 200, Raw: []byte(`{}`)}, nil
	})
	engine := newEngine(path, invoker)
	require.Len(t, engine.Snapshot(), 1)

	// 外部进程追加了一个区域
	updated := endpoint.Snapshot{
		{Region: "us-east-1", Primary: true},
		{Region: "ap-northeast-1"},
	}
	data, err := json.Marshal(updated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	require.NoError(t, engine.Reload(""))
	assert.Len(t, engine.Snapshot(), 2)
}
