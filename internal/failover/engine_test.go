package failover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock-failover/internal/endpoint"
	"bedrock-failover/internal/transport"
)

// invokerFunc adapts a closure to the transport.Invoker interface.
type invokerFunc func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error)

func (f invokerFunc) Invoke(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
	return f(ctx, region, req)
}

// callRecorder counts invocations per region in order.
type callRecorder struct {
	mu      sync.Mutex
	regions []string
	models  []string
}

func (r *callRecorder) record(region, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions = append(r.regions, region)
	r.models = append(r.models, modelID)
}

func (r *callRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.regions...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func converseRequest() *transport.Request {
	return &transport.Request{
		Shape:   transport.ShapeConverse,
		ModelID: "anthropic.claude-3-haiku",
		Messages: []transport.Message{
			{Role: "user", Content: []transport.ContentBlock{{Text: "hello"}}},
		},
	}
}

// newTestEngine writes the snapshot to a temp endpoints file and builds
// an engine with a deterministic selector (random lead is always the
// first primary).
func newTestEngine(t *testing.T, snapshot endpoint.Snapshot, cfg Config, invoker transport.Invoker) (*Engine, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "endpoints.json")
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg.EndpointsFile = path
	selector := endpoint.NewSelector(cfg.PrimaryPreference, testLogger(),
		endpoint.WithRandIntN(func(n int) int { return 0 }))

	engine := New(cfg, endpoint.NewStore(testLogger()), invoker, testLogger(), WithSelector(selector))
	return engine, path
}

func twoRegionSnapshot() endpoint.Snapshot {
	return endpoint.Snapshot{
		{Region: "us-east-1", Primary: true},
		{Region: "eu-central-1", Primary: false},
	}
}

func TestEngineSuccessFirstRegion(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	resp, err := engine.Invoke(context.Background(), converseRequest())

	require.NoError(t, err)
	assert.Equal(t, "us-east-1", resp.Region)
	assert.Equal(t, []string{"us-east-1"}, recorder.calls())
	assert.Empty(t, engine.FailedRegions())
}

func TestEngineFailoverToSecondRegion(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		if region == "us-east-1" {
			return nil, &transport.TransportError{Region: region, StatusCode: 503, Message: "throttled"}
		}
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	resp, err := engine.Invoke(context.Background(), converseRequest())

	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", resp.Region)
	assert.Equal(t, []string{"us-east-1", "eu-central-1"}, recorder.calls())
	// 传输类失败的区域进入生命周期失败集合
	assert.Equal(t, []string{"us-east-1"}, engine.FailedRegions())
}

func TestEngineExhaustsCandidatesBeforeBudget(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
	})

	// 预算5但只有2个候选且每区域1次：恰好2次尝试后终止
	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, []string{"us-east-1", "eu-central-1"}, exhausted.FailedRegions)
	assert.Len(t, exhausted.ErrorLog, 2)
	assert.Equal(t, []string{"us-east-1", "eu-central-1"}, recorder.calls())
}

func TestEngineGlobalBudgetCapsAttempts(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
	})

	// 每区域3次子预算，但全局预算2封顶：第一个区域用完全局预算后终止
	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 2, MaxAttemptsPerRegion: 3, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, []string{"us-east-1", "us-east-1"}, recorder.calls())
}

func TestEngineValidationErrorDoesNotMarkRegion(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		if region == "us-east-1" {
			return nil, &transport.ValidationError{Region: region, StatusCode: 400, Message: "malformed"}
		}
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	resp, err := engine.Invoke(context.Background(), converseRequest())

	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", resp.Region)
	// 校验类错误消耗预算但不标记区域失败
	assert.Empty(t, engine.FailedRegions())
}

func TestEngineRegionMarkedOnlyOnFirstSubAttempt(t *testing.T) {
	attempt := 0
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		attempt++
		if attempt == 1 {
			// 首个子尝试是校验类错误，不标记
			return nil, &transport.ValidationError{Region: region, StatusCode: 422, Message: "bad schema"}
		}
		// 第二个子尝试才出现传输类错误
		return nil, &transport.TransportError{Region: region, StatusCode: 503, Message: "unavailable"}
	})

	engine, _ := newTestEngine(t, endpoint.Snapshot{{Region: "us-east-1", Primary: true}}, Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 2, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	// 传输错误发生在第二子尝试，区域不进入失败集合
	assert.Empty(t, engine.FailedRegions())
}

func TestEngineEmptyRequestFailsFast(t *testing.T) {
	called := false
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		called = true
		return nil, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), &transport.Request{
		Shape: transport.ShapeConverse, ModelID: "m",
	})

	require.Error(t, err)
	assert.True(t, IsInvalidRequest(err))
	assert.False(t, called, "空载荷不消耗任何预算")
}

func TestEngineNoAvailableEndpoint(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	snapshot := endpoint.Snapshot{
		{Region: "us-east-1", Primary: true, NextAvailableTime: future},
	}

	called := false
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		called = true
		return nil, nil
	})

	engine, _ := newTestEngine(t, snapshot, Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.Error(t, err)
	assert.True(t, IsInvalidRequest(err))
	assert.False(t, called)
}

func TestEngineContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		cancel()
		return nil, ctx.Err()
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(ctx, converseRequest())

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	// 取消不计入端点失败
	assert.Empty(t, engine.FailedRegions())
}

func TestEngineCrossRegionInferencePrefix(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	snapshot := endpoint.Snapshot{
		{Region: "us-east-1", Primary: true, RegionProfilePrefix: "us"},
	}
	engine, _ := newTestEngine(t, snapshot, Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1,
		PrimaryPreference: true, CrossRegionInference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.NoError(t, err)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{"us.anthropic.claude-3-haiku"}, recorder.models)
}

func TestEngineCrossRegionPrefixMissingFallsBack(t *testing.T) {
	recorder := &callRecorder{}
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		recorder.record(region, req.ModelID)
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	snapshot := endpoint.Snapshot{{Region: "us-east-1", Primary: true}}
	engine, _ := newTestEngine(t, snapshot, Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1,
		PrimaryPreference: true, CrossRegionInference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())

	require.NoError(t, err)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{"anthropic.claude-3-haiku"}, recorder.models)
}

func TestEnginePersistFailures(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		if region == "us-east-1" {
			return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
		}
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, path := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1,
		PrimaryPreference: true, CooldownWindow: time.Hour,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())
	require.NoError(t, err)
	require.Equal(t, []string{"us-east-1"}, engine.FailedRegions())

	before := time.Now().Unix()
	written, err := engine.PersistFailures()
	require.NoError(t, err)
	assert.True(t, written)

	// 失败集合在成功写入后被重置
	assert.Empty(t, engine.FailedRegions())

	// 落盘的文件带上冷却截止时间
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted endpoint.Snapshot
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 2)
	assert.GreaterOrEqual(t, persisted[0].NextAvailableTime, before+3600)
	assert.Equal(t, int64(0), persisted[1].NextAvailableTime)

	// 内存快照同步更新，冷却区域立即不可选
	fresh := engine.Snapshot()
	assert.GreaterOrEqual(t, fresh[0].NextAvailableTime, before+3600)
}

func TestEnginePersistFailuresEmptySet(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, path := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	before := stat.ModTime()

	written, err := engine.PersistFailures()

	assert.NoError(t, err)
	assert.False(t, written)

	// 无失败区域时不触碰文件
	stat, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before, stat.ModTime())
}

func TestEnginePersistFailuresKeepsSetOnError(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
	})

	engine, path := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1,
		PrimaryPreference: true, CooldownWindow: time.Hour,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())
	require.Error(t, err)
	require.NotEmpty(t, engine.FailedRegions())

	// 把端点文件变成不可写目录路径以制造写入失败
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0755))

	written, err := engine.PersistFailures()

	assert.Error(t, err)
	assert.False(t, written)
	// 写入失败时保留失败集合，调用方可重试持久化
	assert.NotEmpty(t, engine.FailedRegions())
}

func TestEngineFailureAccumulationAcrossInvokes(t *testing.T) {
	failing := map[string]bool{"us-east-1": true}
	var mu sync.Mutex
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		mu.Lock()
		fail := failing[region]
		mu.Unlock()
		if fail {
			return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
		}
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	// 第一次调用：us-east-1失败
	_, err := engine.Invoke(context.Background(), converseRequest())
	require.NoError(t, err)

	// 第二次调用改为eu失败
	mu.Lock()
	failing["us-east-1"] = false
	failing["eu-central-1"] = true
	mu.Unlock()

	_, err = engine.Invoke(context.Background(), converseRequest())
	require.NoError(t, err)

	// 失败集合跨调用累积，直到显式持久化或重置
	assert.Equal(t, []string{"us-east-1", "eu-central-1"}, engine.FailedRegions())

	engine.ResetFailures()
	assert.Empty(t, engine.FailedRegions())
}

func TestEngineReloadKeepsSnapshotOnFailure(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Region: region, StatusCode: 200}, nil
	})

	engine, path := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)
	require.Len(t, engine.Snapshot(), 2)

	// 文件损坏后重载失败，保留之前的快照
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	err := engine.Reload("")

	assert.Error(t, err)
	assert.Len(t, engine.Snapshot(), 2)
}

func TestEngineErrorLogAccumulates(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return nil, &transport.TransportError{Region: region, StatusCode: 500, Message: "boom"}
	})

	engine, _ := newTestEngine(t, endpoint.Snapshot{{Region: "us-east-1", Primary: true}}, Config{
		MaxAttempts: 1, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	_, err := engine.Invoke(context.Background(), converseRequest())
	require.Error(t, err)

	log := engine.ErrorLog()
	require.NotEmpty(t, log)
	assert.Contains(t, log[0], "us-east-1")
}

func TestEngineInvokeText(t *testing.T) {
	raw := `{"output":{"message":{"role":"assistant","content":[{"text":"hi there"}]}}}`
	invoker := invokerFunc(func(ctx context.Context, region string, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{
			Shape:      transport.ShapeConverse,
			Region:     region,
			StatusCode: 200,
			Raw:        []byte(raw),
		}, nil
	})

	engine, _ := newTestEngine(t, twoRegionSnapshot(), Config{
		MaxAttempts: 5, MaxAttemptsPerRegion: 1, PrimaryPreference: true,
	}, invoker)

	text, err := engine.InvokeText(context.Background(), converseRequest())

	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}
