// Command sseload opens many subscriptions to the summary stream and reports
// how many summaries and heartbeats they receive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	summaries   atomic.Int64
	heartbeats  atomic.Int64
}

func (s *stats) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("connect_errs", s.connectErrs.Load()),
		zap.Int64("stream_errs", s.streamErrs.Load()),
		zap.Int64("summaries", s.summaries.Load()),
		zap.Int64("heartbeats", s.heartbeats.Load()),
	}
}

func main() {
	var (
		targetURL   string
		token       string
		connections int
		duration    time.Duration
		rampUp      time.Duration
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8080/summary/stream", "summary stream URL")
	flag.StringVar(&token, "token", os.Getenv("CABINET_TOKEN"), "bearer token sent with every request")
	flag.IntVar(&connections, "conns", 500, "number of concurrent subscriptions")
	flag.DurationVar(&duration, "dur", time.Minute, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 5*time.Second, "spread connection starts across this window")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	limit := rate.Inf
	if rampUp > 0 {
		limit = rate.Every(rampUp / time.Duration(connections))
	}
	limiter := rate.NewLimiter(limit, 1)

	logger.Info("starting summary stream load",
		zap.String("url", targetURL),
		zap.Int("conns", connections),
		zap.Duration("duration", duration),
		zap.Duration("ramp", rampUp))

	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("status", append(st.fields(), zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))...)
			}
		}
	}()

	for i := 0; i < connections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe(ctx, client, targetURL, token, &st)
		}()
	}

	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d summaries=%d heartbeats=%d elapsed=%s summaries/s=%.2f\n",
		st.connected.Load(),
		st.connectErrs.Load(),
		st.streamErrs.Load(),
		st.summaries.Load(),
		st.heartbeats.Load(),
		elapsed.Truncate(time.Millisecond),
		float64(st.summaries.Load())/elapsed.Seconds(),
	)
}

func subscribe(ctx context.Context, client *http.Client, url, token string, st *stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		st.connectErrs.Add(1)
		return
	}

	st.connected.Add(1)
	if err := scanStream(resp.Body, st); err != nil && ctx.Err() == nil {
		st.streamErrs.Add(1)
	}
}

// scanStream counts summary events and heartbeats until the stream ends.
func scanStream(r io.Reader, st *stats) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read stream")
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "event: summary":
			st.summaries.Add(1)
		case strings.HasPrefix(line, ":"):
			st.heartbeats.Add(1)
		}
	}
}
