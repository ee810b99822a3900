// Integration tests for the tag gRPC service
package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/tagstore/internal/logger"
	"github.com/nainya/tagstore/internal/metrics"
	"github.com/nainya/tagstore/pkg/api"
	"github.com/nainya/tagstore/pkg/client"
	"github.com/nainya/tagstore/pkg/index/kvindex"
	"github.com/nainya/tagstore/pkg/tag"
	"github.com/nainya/tagstore/pkg/tagstore"
)

const bufSize = 1024 * 1024

type testEnv struct {
	store   *tagstore.Store
	client  *client.Client
	conn    *grpc.ClientConn
	metrics *metrics.Metrics
	logs    *bytes.Buffer
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	ix, err := kvindex.Open(filepath.Join(t.TempDir(), "tags.db"))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	log := logger.NewLogger(logger.Config{Level: "debug", Output: logs})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := tagstore.New(ix,
		tagstore.WithLogger(log.StoreLogger()),
		tagstore.WithObserver(m),
		tagstore.WithClock(stepClock()),
	)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	api.RegisterTagServiceServer(grpcServer, NewServer(store, log))

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		ix.Close()
	})

	return &testEnv{store: store, client: client.New(conn), conn: conn, metrics: m, logs: logs}
}

// stepClock returns a clock that advances one millisecond per reading
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func sampleDefinition(name string) *tag.Definition {
	return &tag.Definition{
		Name:       name,
		Attributes: map[string]string{"branch": "main", "build": "17"},
		Components: []tag.Component{
			{Repository: "maven-releases", Group: tag.Group("com.acme"), Name: "core", Version: "1.4.2"},
			{Repository: "npm", Name: "ui", Version: "3.0.0"},
		},
	}
}

func TestCreateAndGetTag(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	created, err := env.client.CreateTag(ctx, sampleDefinition("release-1"))
	require.NoError(t, err)
	assert.Equal(t, "release-1", created.Name)
	assert.True(t, created.FirstCreated.Equal(created.LastUpdated))

	got, err := env.client.GetTag(ctx, "release-1")
	require.NoError(t, err)
	assert.Equal(t, created.Attributes, got.Attributes)
	require.Len(t, got.Components, 2)
	assert.Nil(t, got.Components[1].Group)
	assert.True(t, got.FirstCreated.Equal(created.FirstCreated))
}

func TestGetTagNotFound(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client.GetTag(context.Background(), "missing")
	assert.ErrorIs(t, err, tag.ErrNotFound)

	// raw status as seen by other clients
	err = env.conn.Invoke(context.Background(), api.FullMethod(api.MethodGetTag),
		mustStruct(t, map[string]any{"name": "missing"}), &structpb.Struct{})
	st := status.Convert(err)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "Tag not found", st.Message())
}

func TestCreateTagValidation(t *testing.T) {
	env := setupTestServer(t)

	err := env.conn.Invoke(context.Background(), api.FullMethod(api.MethodCreateTag),
		mustStruct(t, map[string]any{"name": ""}), &structpb.Struct{})
	st := status.Convert(err)
	require.Equal(t, codes.InvalidArgument, st.Code())

	var fields []string
	for _, d := range st.Details() {
		br, ok := d.(*errdetails.BadRequest)
		require.True(t, ok)
		for _, fv := range br.GetFieldViolations() {
			fields = append(fields, fv.GetField())
		}
	}
	assert.ElementsMatch(t, []string{"name", "attributes", "components"}, fields)

	// the client rebuilds the violation list
	_, err = env.client.CreateTag(context.Background(), &tag.Definition{Name: "x"})
	var verr *tag.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestPutTag(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first, err := env.client.PutTag(ctx, "release-1", sampleDefinition("release-1"))
	require.NoError(t, err)

	def := sampleDefinition("release-1")
	def.Attributes = map[string]string{"branch": "hotfix"}
	second, err := env.client.PutTag(ctx, "release-1", def)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"branch": "hotfix"}, second.Attributes)
	assert.True(t, second.FirstCreated.Equal(first.FirstCreated))

	_, err = env.client.PutTag(ctx, "other", sampleDefinition("release-1"))
	require.ErrorIs(t, err, tag.ErrValidationFailed)
	assert.Equal(t, codes.InvalidArgument, status.Code(env.conn.Invoke(ctx, api.FullMethod(api.MethodPutTag),
		mustEncode(t, api.PutTagRequest{Name: "other", Tag: sampleDefinition("release-1")}), &structpb.Struct{})))

	_, err = env.client.PutTag(ctx, "release-1", nil)
	assert.ErrorIs(t, err, tag.ErrValidationFailed)
}

func TestListTags(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	for _, name := range []string{"t1", "t2", "t3"} {
		_, err := env.client.CreateTag(ctx, sampleDefinition(name))
		require.NoError(t, err)
	}
	old := sampleDefinition("legacy")
	old.Attributes = map[string]string{"branch": "legacy"}
	old.Components[0].Version = "0.9"
	_, err := env.client.CreateTag(ctx, old)
	require.NoError(t, err)

	all, err := env.client.ListTags(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy", "t3", "t2", "t1"}, tagNames(all))

	onMain, err := env.client.ListTags(ctx, []string{"branch:main"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t2", "t1"}, tagNames(onMain))

	recent, err := env.client.ListTags(ctx, nil, []string{"maven-releases:com.acme:core >= 1.0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t2", "t1"}, tagNames(recent))

	legacy, err := env.client.ListTags(ctx, nil, []string{"maven-releases:com.acme:core =< 0.9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, tagNames(legacy))
}

func TestListTagsMalformedInput(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	err := env.conn.Invoke(ctx, api.FullMethod(api.MethodListTags),
		mustEncode(t, api.ListTagsRequest{Components: []string{"not-a-criterion"}}), &structpb.Struct{})
	st := status.Convert(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "Invalid component criterion: not-a-criterion", st.Message())

	_, err = env.client.ListTags(ctx, []string{":value"}, nil)
	require.ErrorIs(t, err, tag.ErrInvalidExpression)
	assert.Contains(t, err.Error(), "Invalid attribute key value pair: :value")
}

func TestDeleteTag(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.CreateTag(ctx, sampleDefinition("release-1"))
	require.NoError(t, err)

	require.NoError(t, env.client.DeleteTag(ctx, "release-1"))
	assert.ErrorIs(t, env.client.DeleteTag(ctx, "release-1"), tag.ErrNotFound)
}

func TestCloneTag(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.CreateTag(ctx, sampleDefinition("release-1"))
	require.NoError(t, err)

	clone, err := env.client.CloneTag(ctx, "release-1", "release-2", map[string]string{"build": "18", "qa": "passed"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"branch": "main", "build": "18", "qa": "passed"}, clone.Attributes)

	_, err = env.client.CloneTag(ctx, "release-1", "release-2", map[string]string{})
	assert.ErrorIs(t, err, tag.ErrAlreadyExists)

	_, err = env.client.CloneTag(ctx, "missing", "release-3", map[string]string{})
	assert.ErrorIs(t, err, tag.ErrNotFound)

	_, err = env.client.CloneTag(ctx, "", "release-3", nil)
	var verr *tag.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.CreateTag(ctx, sampleDefinition("release-1"))
	require.NoError(t, err)

	h, err := env.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", h.Status)
	assert.Equal(t, 1, h.Tags)
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := setupTestServer(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-42")

	var header metadata.MD
	err := env.conn.Invoke(ctx, api.FullMethod(api.MethodHealth), &structpb.Struct{}, &structpb.Struct{}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDHeader))
	assert.Contains(t, env.logs.String(), `"request_id":"req-42"`)

	// a fresh id is assigned when none is sent
	header = nil
	err = env.conn.Invoke(context.Background(), api.FullMethod(api.MethodHealth), &structpb.Struct{}, &structpb.Struct{}, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RequestIDHeader), 1)
	assert.Len(t, header.Get(RequestIDHeader)[0], 36)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.GrpcRequestsTotal.WithLabelValues(api.FullMethod(api.MethodHealth), "OK")))

	_, _ = env.client.GetTag(context.Background(), "missing")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GrpcRequestsTotal.WithLabelValues(api.FullMethod(api.MethodGetTag), "NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StoreOperationsTotal.WithLabelValues(tagstore.OpGet, "error")))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{tag.ErrNotFound, codes.NotFound},
		{tag.ErrAlreadyExists, codes.AlreadyExists},
		{&tag.ExpressionError{Kind: "component criterion", Input: "x"}, codes.InvalidArgument},
		{&tag.ValidationError{Violations: []tag.Violation{{Field: "name", Message: "m"}}}, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(toStatus(tt.err)), tt.err.Error())
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.SetTagCount(3)

	var readyErr error
	log := logger.NewLogger(logger.Config{Output: &bytes.Buffer{}})
	obs := NewObservabilityServer(0, log, reg, func(context.Context) error { return readyErr })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tagstore_tags_total 3")

	rec = get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"tagstore"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, get("/ready").Code)
	readyErr = errors.New("closed")
	rec = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}

func tagNames(tags []*tag.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Name
	}
	return out
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func mustEncode(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := api.Encode(v)
	require.NoError(t, err)
	return s
}
