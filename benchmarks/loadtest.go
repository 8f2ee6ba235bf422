// Package benchmarks provides performance and load testing for the Bayeux SDK
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/dispatcher"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

// LoadTestConfig configures load testing parameters
type LoadTestConfig struct {
	// Number of concurrent dispatchers
	Clients int

	// Number of messages each dispatcher publishes
	MessagesPerClient int

	// Publish rate limit across all clients (messages per second, 0 = unlimited)
	RateLimit int

	// Test duration (0 = run until all messages are acknowledged)
	Duration time.Duration

	// Ramp up period for gradual load increase
	RampUpTime time.Duration

	// Channels to publish to, picked at random per message
	Channels []string

	// Server and transport
	Endpoint       string
	ConnectionType transport.Kind

	// Time to wait for each acknowledgement
	AckTimeout time.Duration

	// Reporting interval
	ReportInterval time.Duration
}

// LoadTestResult contains the results of a load test
type LoadTestResult struct {
	TotalMessages int64
	Acknowledged  int64
	Failed        int64
	TotalDuration time.Duration

	// Latency statistics (in milliseconds)
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	// Throughput
	MessagesPerSecond float64

	// Error breakdown
	ErrorCounts map[string]int64

	// Per-channel metrics
	ChannelMetrics map[string]*ChannelMetrics
}

// ChannelMetrics tracks acknowledgement latency for one channel
type ChannelMetrics struct {
	Count     int64
	Acked     int64
	Failed    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

// LoadTester publishes through a set of dispatchers and measures how long
// acknowledgements take
type LoadTester struct {
	config LoadTestConfig

	totalMessages int64
	acknowledged  int64
	failed        int64
	errorCounts   sync.Map
	channelStats  sync.Map

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLoadTester creates a new load tester
func NewLoadTester(config LoadTestConfig) *LoadTester {
	if config.ReportInterval == 0 {
		config.ReportInterval = 5 * time.Second
	}
	if config.AckTimeout == 0 {
		config.AckTimeout = 10 * time.Second
	}
	if len(config.Channels) == 0 {
		config.Channels = []string{"/load/test"}
	}
	if config.ConnectionType == "" {
		config.ConnectionType = transport.KindWebSocket
	}

	return &LoadTester{
		config: config,
		stopCh: make(chan struct{}),
	}
}

func (lt *LoadTester) stop() {
	lt.stopOnce.Do(func() { close(lt.stopCh) })
}

// Run executes the load test
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	lt.startTime = time.Now()
	defer lt.stop()

	go lt.reportProgress()

	clients := make([]*loadClient, lt.config.Clients)
	for i := range clients {
		c, err := lt.createClient(ctx, i)
		if err != nil {
			for _, started := range clients[:i] {
				started.d.Stop()
			}
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.d.Stop()
		}
	}()

	rateLimiter := lt.createRateLimiter()
	for i, c := range clients {
		lt.wg.Add(1)
		go lt.runClient(ctx, c, rateLimiter)

		if lt.config.RampUpTime > 0 && i < len(clients)-1 {
			time.Sleep(lt.config.RampUpTime / time.Duration(len(clients)-1))
		}
	}

	done := make(chan struct{})
	go func() {
		lt.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if lt.config.Duration > 0 {
		timeout = time.After(lt.config.Duration)
	}

	select {
	case <-done:
	case <-timeout:
		lt.stop()
		lt.wg.Wait()
	case <-ctx.Done():
		lt.stop()
		lt.wg.Wait()
	}

	return lt.calculateResults(), nil
}

// loadClient is one dispatcher and the acknowledgements it is waiting for
type loadClient struct {
	d *dispatcher.Dispatcher

	mu      sync.Mutex
	waiting map[string]chan bool
}

func (c *loadClient) expect(id string) chan bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.waiting[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *loadClient) forget(id string) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

func (c *loadClient) deliver(m *protocol.Message) {
	if !m.HasVerdict() {
		return
	}
	c.mu.Lock()
	ch, ok := c.waiting[m.ID]
	delete(c.waiting, m.ID)
	c.mu.Unlock()
	if ok {
		ch <- m.IsSuccessful()
	}
}

// createClient builds a dispatcher on the configured transport
func (lt *LoadTester) createClient(ctx context.Context, id int) (*loadClient, error) {
	cfg := config.Default()
	cfg.Endpoint = lt.config.Endpoint
	cfg.ConnectionTypes = []string{string(lt.config.ConnectionType)}
	cfg.Timeout = lt.config.AckTimeout
	cfg.Liveness = 0

	d, err := dispatcher.New(cfg,
		dispatcher.WithLogger(logging.NewNop().WithFields(logging.Int("load_client", id))),
		dispatcher.WithShared(transport.NewShared()),
	)
	if err != nil {
		return nil, err
	}

	c := &loadClient{d: d, waiting: make(map[string]chan bool)}
	d.OnMessage(c.deliver)

	if err := d.SelectTransport(ctx); err != nil {
		d.Stop()
		return nil, err
	}
	return c, nil
}

// runClient publishes one client's share of messages, one at a time
func (lt *LoadTester) runClient(ctx context.Context, c *loadClient, rateLimiter <-chan struct{}) {
	defer lt.wg.Done()

	for sent := 0; lt.config.MessagesPerClient <= 0 || sent < lt.config.MessagesPerClient; sent++ {
		select {
		case <-lt.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-lt.stopCh:
				return
			}
		}

		lt.publish(ctx, c, lt.selectChannel())
	}
}

func (lt *LoadTester) selectChannel() string {
	return lt.config.Channels[rand.Intn(len(lt.config.Channels))]
}

// publish sends one message and records how long its acknowledgement took
func (lt *LoadTester) publish(ctx context.Context, c *loadClient, channel string) {
	atomic.AddInt64(&lt.totalMessages, 1)

	msg := protocol.NewMessage(channel)
	msg.Data, _ = json.Marshal(map[string]int64{"sent": time.Now().UnixNano()})
	acked := c.expect(msg.ID)
	defer c.forget(msg.ID)

	start := time.Now()
	err := c.d.SendMessage(ctx, msg, lt.config.AckTimeout, dispatcher.WithAttempts(1))
	if err == nil {
		select {
		case ok := <-acked:
			if !ok {
				err = fmt.Errorf("server rejected %s", channel)
			}
		case <-time.After(lt.config.AckTimeout):
			err = fmt.Errorf("no acknowledgement within %s", lt.config.AckTimeout)
		case <-lt.stopCh:
			err = fmt.Errorf("stopped before acknowledgement")
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	lt.getChannelMetrics(channel).record(time.Since(start), err)
	if err != nil {
		atomic.AddInt64(&lt.failed, 1)
		lt.recordError(err)
	} else {
		atomic.AddInt64(&lt.acknowledged, 1)
	}
}

func (lt *LoadTester) getChannelMetrics(channel string) *ChannelMetrics {
	v, _ := lt.channelStats.LoadOrStore(channel, &ChannelMetrics{})
	metrics, _ := v.(*ChannelMetrics)
	return metrics
}

func (m *ChannelMetrics) record(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Failed++
	} else {
		m.Acked++
	}

	if m.MinTime == 0 || duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	m.latencies = append(m.latencies, duration)
}

func (lt *LoadTester) recordError(err error) {
	key := err.Error()
	for {
		v, loaded := lt.errorCounts.LoadOrStore(key, int64(1))
		if !loaded {
			return
		}
		if lt.errorCounts.CompareAndSwap(key, v, v.(int64)+1) {
			return
		}
	}
}

// createRateLimiter returns a channel that ticks at the configured rate,
// or nil when the rate is unlimited
func (lt *LoadTester) createRateLimiter() <-chan struct{} {
	if lt.config.RateLimit <= 0 {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				case <-lt.stopCh:
					return
				}
			case <-lt.stopCh:
				return
			}
		}
	}()
	return ch
}

func (lt *LoadTester) reportProgress() {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastMessages := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			current := atomic.LoadInt64(&lt.totalMessages)
			now := time.Now()
			rate := float64(current-lastMessages) / now.Sub(lastTime).Seconds()

			logging.Info("Load test progress",
				logging.Any("messages", current),
				logging.Any("rate", rate),
				logging.Any("acknowledged", atomic.LoadInt64(&lt.acknowledged)),
				logging.Any("failed", atomic.LoadInt64(&lt.failed)))

			lastMessages = current
			lastTime = now

		case <-lt.stopCh:
			return
		}
	}
}

func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)

	result := &LoadTestResult{
		TotalMessages:     atomic.LoadInt64(&lt.totalMessages),
		Acknowledged:      atomic.LoadInt64(&lt.acknowledged),
		Failed:            atomic.LoadInt64(&lt.failed),
		TotalDuration:     duration,
		MessagesPerSecond: float64(atomic.LoadInt64(&lt.totalMessages)) / duration.Seconds(),
		ErrorCounts:       make(map[string]int64),
		ChannelMetrics:    make(map[string]*ChannelMetrics),
	}

	lt.errorCounts.Range(func(key, value interface{}) bool {
		result.ErrorCounts[key.(string)] = value.(int64)
		return true
	})

	var all []time.Duration
	lt.channelStats.Range(func(key, value interface{}) bool {
		metrics := value.(*ChannelMetrics)
		result.ChannelMetrics[key.(string)] = metrics
		metrics.mu.Lock()
		all = append(all, metrics.latencies...)
		metrics.mu.Unlock()
		return true
	})

	if len(all) > 0 {
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

		var sum time.Duration
		for _, d := range all {
			sum += d
		}
		result.MinLatency = milliseconds(all[0])
		result.MaxLatency = milliseconds(all[len(all)-1])
		result.AvgLatency = milliseconds(sum / time.Duration(len(all)))
		result.P50Latency = milliseconds(percentile(all, 50))
		result.P90Latency = milliseconds(percentile(all, 90))
		result.P95Latency = milliseconds(percentile(all, 95))
		result.P99Latency = milliseconds(percentile(all, 99))
	}

	return result
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile picks the nearest-rank value from sorted durations
func percentile(sorted []time.Duration, p float64) time.Duration {
	index := int(math.Ceil(float64(len(sorted))*p/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// PrintResults prints load test results in a readable format
func (r *LoadTestResult) PrintResults() {
	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Total Duration: %s\n", r.TotalDuration)
	fmt.Printf("Total Messages: %d\n", r.TotalMessages)
	if r.TotalMessages > 0 {
		fmt.Printf("Acknowledged: %d (%.1f%%)\n", r.Acknowledged,
			float64(r.Acknowledged)/float64(r.TotalMessages)*100)
		fmt.Printf("Failed: %d (%.1f%%)\n", r.Failed,
			float64(r.Failed)/float64(r.TotalMessages)*100)
	}
	fmt.Printf("Messages/sec: %.2f\n", r.MessagesPerSecond)

	fmt.Println("\nAcknowledgement Latency (ms):")
	fmt.Printf("  Min: %.2f\n", r.MinLatency)
	fmt.Printf("  Avg: %.2f\n", r.AvgLatency)
	fmt.Printf("  P50: %.2f\n", r.P50Latency)
	fmt.Printf("  P90: %.2f\n", r.P90Latency)
	fmt.Printf("  P95: %.2f\n", r.P95Latency)
	fmt.Printf("  P99: %.2f\n", r.P99Latency)
	fmt.Printf("  Max: %.2f\n", r.MaxLatency)

	if len(r.ChannelMetrics) > 0 {
		fmt.Println("\nChannel Breakdown:")
		for channel, m := range r.ChannelMetrics {
			fmt.Printf("  %s:\n", channel)
			fmt.Printf("    Count: %d\n", m.Count)
			fmt.Printf("    Ack Rate: %.1f%%\n", float64(m.Acked)/float64(m.Count)*100)
			fmt.Printf("    Avg Time: %.2fms\n", milliseconds(m.TotalTime)/float64(m.Count))
		}
	}

	if len(r.ErrorCounts) > 0 {
		fmt.Println("\nError Summary:")
		for err, count := range r.ErrorCounts {
			fmt.Printf("  %s: %d\n", err, count)
		}
	}
}
