package benchmarks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

func TestLoadTester(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	srv := newAckServer(t)

	for _, kind := range []transport.Kind{transport.KindWebSocket, transport.KindLongPolling} {
		t.Run(string(kind), func(t *testing.T) {
			lt := NewLoadTester(LoadTestConfig{
				Clients:           3,
				MessagesPerClient: 20,
				Endpoint:          srv.URL + "/bayeux",
				ConnectionType:    kind,
				Channels:          []string{"/load/a", "/load/b"},
				AckTimeout:        5 * time.Second,
				ReportInterval:    time.Second,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := lt.Run(ctx)
			require.NoError(t, err)

			assert.Equal(t, int64(60), result.TotalMessages)
			assert.Equal(t, int64(60), result.Acknowledged)
			assert.Zero(t, result.Failed)
			assert.Empty(t, result.ErrorCounts)
			assert.LessOrEqual(t, result.MinLatency, result.P50Latency)
			assert.LessOrEqual(t, result.P50Latency, result.P99Latency)
			assert.LessOrEqual(t, result.P99Latency, result.MaxLatency)

			var counted int64
			for _, m := range result.ChannelMetrics {
				counted += m.Count
			}
			assert.Equal(t, int64(60), counted)
		})
	}
}

func TestLoadTester_UnreachableServer(t *testing.T) {
	lt := NewLoadTester(LoadTestConfig{
		Clients:           1,
		MessagesPerClient: 1,
		Endpoint:          "http://127.0.0.1:1/bayeux",
		ConnectionType:    transport.KindWebSocket,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := lt.Run(ctx)
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 50))
	assert.Equal(t, time.Duration(10), percentile(sorted, 99))
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
}
