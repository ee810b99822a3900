package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/nainya/tagstore/internal/config"
	"github.com/nainya/tagstore/internal/logger"
	"github.com/nainya/tagstore/internal/metrics"
	"github.com/nainya/tagstore/internal/server"
	"github.com/nainya/tagstore/pkg/api"
	"github.com/nainya/tagstore/pkg/tag"
	"github.com/nainya/tagstore/pkg/tagstore"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func quietLogger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
}

func TestParseCommand(t *testing.T) {
	out, err := execute(t, "parse", "maven-releases:com.acme:core >= 1.2")
	require.NoError(t, err)
	assert.Contains(t, out, "repository: maven-releases")
	assert.Contains(t, out, `group:      "com.acme"`)
	assert.Contains(t, out, "name:       core")
	assert.Contains(t, out, "version:    >= 1.2 (numeric: true)")
}

func TestParseCommandWithoutGroup(t *testing.T) {
	out, err := execute(t, "parse", "npm::ui")
	require.NoError(t, err)
	assert.Contains(t, out, "group:      <none>")
	assert.Contains(t, out, "version:    any")
}

func TestParseCommandChecksVersion(t *testing.T) {
	out, err := execute(t, "parse", "npm::ui < 2_0", "--version", "1.9")
	require.NoError(t, err)
	assert.Contains(t, out, "matches 1.9: true")

	out, err = execute(t, "parse", "npm::ui < 2_0", "--version", "beta")
	require.NoError(t, err)
	assert.Contains(t, out, "matches beta: false")
}

func TestParseCommandRejectsMalformed(t *testing.T) {
	_, err := execute(t, "parse", "maven:core")
	require.Error(t, err)
	assert.ErrorIs(t, err, tag.ErrInvalidExpression)
}

func TestOpenIndex(t *testing.T) {
	log := quietLogger()

	t.Run("kv", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Path = filepath.Join(t.TempDir(), "tags.db")
		ix, sized, err := openIndex(cfg, log)
		require.NoError(t, err)
		defer ix.Close()
		require.NotNil(t, sized)
		require.NoError(t, ix.Ping(context.Background()))
	})

	t.Run("sql", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = config.BackendSQL
		cfg.Storage.SQL.DSN = filepath.Join(t.TempDir(), "tags.sqlite")
		ix, sized, err := openIndex(cfg, log)
		require.NoError(t, err)
		defer ix.Close()
		assert.Nil(t, sized)
		require.NoError(t, ix.Ping(context.Background()))
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = "tape"
		_, _, err := openIndex(cfg, log)
		assert.Error(t, err)
	})
}

func TestNewStoreRejectsBadLookupURL(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tags.db")
	cfg.Lookup.Enabled = true
	cfg.Lookup.BaseURL = "::"

	log := quietLogger()
	ix, _, err := openIndex(cfg, log)
	require.NoError(t, err)
	defer ix.Close()

	_, err = newStore(cfg, ix, log, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestQueryCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tags.db")
	log := quietLogger()

	ix, _, err := openIndex(cfg, log)
	require.NoError(t, err)
	defer ix.Close()
	store := tagstore.New(ix)

	ctx := context.Background()
	_, err = store.AddOrUpdate(ctx, &tag.Definition{
		Name:       "release-1",
		Attributes: map[string]string{"team": "core"},
		Components: []tag.Component{{Repository: "maven-releases", Group: tag.Group("com.acme"), Name: "core", Version: "1.4"}},
	})
	require.NoError(t, err)
	_, err = store.AddOrUpdate(ctx, &tag.Definition{
		Name:       "release-2",
		Attributes: map[string]string{"team": "web"},
		Components: []tag.Component{{Repository: "npm", Name: "ui", Version: "2.0"}},
	})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	api.RegisterTagServiceServer(srv, server.NewServer(store, log))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	out, err := execute(t, "query", "--addr", lis.Addr().String(),
		"-a", "team:core", "-m", "maven-releases:com.acme:core >= 1.2")
	require.NoError(t, err)

	var tags []*tag.Tag
	require.NoError(t, json.Unmarshal([]byte(out), &tags))
	require.Len(t, tags, 1)
	assert.Equal(t, "release-1", tags[0].Name)

	_, err = execute(t, "query", "--addr", lis.Addr().String(), "-m", "bad")
	assert.ErrorIs(t, err, tag.ErrInvalidExpression)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.GRPCPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tags.db")
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	reg := prometheus.NewRegistry()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, reg, reg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
