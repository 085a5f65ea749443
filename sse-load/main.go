package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type counters struct {
	events   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
}

func (c *counters) failureRate() float64 {
	attempts := c.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(c.failures.Load()) / float64(attempts)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

// loadTokens reads the JSON array written by gen-token -output, falling
// back to a single TEST_BEARER token.
func loadTokens(path, bearer string) ([]string, error) {
	if path == "" {
		if bearer == "" {
			return nil, errors.New("TOKENS_FILE or TEST_BEARER must be set")
		}
		return []string{bearer}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := sonic.Unmarshal(data, &tokens); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errors.New("tokens file is empty")
	}
	return tokens, nil
}

// stream holds one SSE connection open until it ends or ctx is done,
// counting data frames. It reports whether the connection was ever accepted.
func stream(ctx context.Context, client *http.Client, url, token string, c *counters) bool {
	c.attempts.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.failures.Add(1)
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.failures.Add(1)
		}
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		return false
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") {
			c.events.Add(1)
		}
	}
	if ctx.Err() == nil {
		// server closed the stream early
		c.failures.Add(1)
	}
	return true
}

func run(ctx context.Context, url string, tokens []string, conns int, c *counters) {
	client := &http.Client{}
	var wg sync.WaitGroup
	for i := range conns {
		token := tokens[i%len(tokens)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				if stream(ctx, client, url, token, c) {
					backoff = time.Second
				}
				select {
				case <-ctx.Done():
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, 5*time.Second)
			}
		}()
	}
	wg.Wait()
}

func main() {
	url := getenv("STREAM_URL", "http://localhost:8080/api/tasks/stream")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	tokens, err := loadTokens(os.Getenv("TOKENS_FILE"), os.Getenv("TEST_BEARER"))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				log.Fatal("no events received in 60s")
			}
		case <-ctx.Done():
		}
	}()
	run(ctx, url, tokens, conns, &c)

	log.WithFields(log.Fields{
		"connections":         conns,
		"duration_sec":        int(duration.Seconds()),
		"events_received":     c.events.Load(),
		"connection_failures": c.failures.Load(),
	}).Info("sse load finished")
	if c.events.Load() == 0 || c.failureRate() > 0.01 {
		os.Exit(1)
	}
}
