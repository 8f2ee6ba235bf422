//go:build ignore
// +build ignore

// Example load test runner against a running Bayeux server
// Run with: go run example_loadtest.go -endpoint http://localhost:8000/bayeux
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/bayeux-sdk-go/benchmarks"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8000/bayeux", "Bayeux server URL")
	flag.Parse()

	fmt.Println("=== Bayeux SDK Load Test Example ===")

	fmt.Println("\n1. Websocket, 10 clients, 100 messages each...")
	run(benchmarks.LoadTestConfig{
		Clients:           10,
		MessagesPerClient: 100,
		Endpoint:          *endpoint,
		ConnectionType:    transport.KindWebSocket,
		Channels:          []string{"/load/a", "/load/b"},
		ReportInterval:    2 * time.Second,
	})

	fmt.Println("\n2. Long-polling, 10 clients, 100 messages each, 200 msg/s...")
	run(benchmarks.LoadTestConfig{
		Clients:           10,
		MessagesPerClient: 100,
		RateLimit:         200,
		Endpoint:          *endpoint,
		ConnectionType:    transport.KindLongPolling,
		Channels:          []string{"/load/a", "/load/b"},
		ReportInterval:    2 * time.Second,
	})

	fmt.Println("\n3. Websocket soak, 50 clients for 30 seconds...")
	run(benchmarks.LoadTestConfig{
		Clients:        50,
		Duration:       30 * time.Second,
		RampUpTime:     5 * time.Second,
		Endpoint:       *endpoint,
		ConnectionType: transport.KindWebSocket,
		ReportInterval: 5 * time.Second,
	})
}

func run(config benchmarks.LoadTestConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := benchmarks.NewLoadTester(config).Run(ctx)
	if err != nil {
		log.Printf("Load test failed: %v", err)
		return
	}
	result.PrintResults()
}
