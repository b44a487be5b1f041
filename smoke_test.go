package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/config"
	"docqa/internal/testutils"
	"docqa/internal/worker"
)

func TestSmoke_Startup(t *testing.T) {
	suite := testutils.NewIntegrationSuite(t).WithRedis()

	cfg := suite.AppConfig()
	cfg.HealthPort = 18081

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	healthURL := fmt.Sprintf("http://localhost:%d/health", cfg.HealthPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL) // #nosec G107 -- test URL
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 200*time.Millisecond, "health endpoint never came up")

	// An empty file is rejected before any embedding call, so no API key is needed.
	sub := suite.Redis.Subscribe(ctx, config.ChannelIngestResponses)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		subs, err := suite.Redis.PubSubNumSub(ctx, config.ChannelIngestRequests).Result()
		return err == nil && subs[config.ChannelIngestRequests] > 0
	}, 10*time.Second, 100*time.Millisecond, "dispatcher never subscribed")

	body, err := json.Marshal(worker.IngestRequest{
		FileContent: base64.StdEncoding.EncodeToString(nil),
		Filename:    "empty.txt",
		RequestID:   "smoke-1",
	})
	require.NoError(t, err)
	require.NoError(t, suite.Redis.Publish(ctx, config.ChannelIngestRequests, body).Err())

	select {
	case msg := <-sub.Channel():
		var resp worker.IngestResponse
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &resp))
		assert.Equal(t, worker.StatusError, resp.Status)
		assert.Equal(t, "smoke-1", resp.RequestID)
		assert.Equal(t, "File is empty.", resp.Detail)
	case <-time.After(10 * time.Second):
		t.Fatal("no ingest response")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}
