package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// simulate drives scripted booking conversations against a running
// api-server, interleaved with slot searches, and reports latency per
// operation. Pointing it at anything but a dev stack will book real
// appointments.

type SimConfig struct {
	APIBaseURL       string
	Duration         time.Duration
	Workers          int
	SearchRatio      float64 // fraction of iterations doing a slot search instead of a conversation
	AbandonRatio     float64 // fraction of conversations that stop instead of accepting
	SlotSearchWindow time.Duration
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Message    OperationMetrics
	SlotSearch OperationMetrics
	Booked     int64
	Abandoned  int64
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	log.Printf("config: base_url=%s duration=%s workers=%d search=%.2f abandon=%.2f",
		cfg.APIBaseURL, cfg.Duration, cfg.Workers, cfg.SearchRatio, cfg.AbandonRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:         getDuration("SIM_DURATION", 30*time.Second),
		Workers:          getInt("SIM_WORKERS", 10),
		SearchRatio:      getFloat("SIM_SEARCH_RATIO", 0.3),
		AbandonRatio:     getFloat("SIM_ABANDON_RATIO", 0.2),
		SlotSearchWindow: getDuration("SIM_SEARCH_WINDOW", 7*24*time.Hour),
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if rng.Float64() < s.config.SearchRatio {
				s.doSlotSearch(ctx, rng)
			} else {
				s.doConversation(ctx, rng)
			}
		}
	}
}

// doConversation walks one patient through the whole booking dialogue on a
// fresh phone number.
func (s *Simulator) doConversation(ctx context.Context, rng *rand.Rand) {
	phone := fmt.Sprintf("+2637%08d", rng.Intn(100000000))
	abandon := rng.Float64() < s.config.AbandonRatio

	script := []string{
		"hi",
		"book",
		fmt.Sprintf("Sim Patient %04d", rng.Intn(10000)),
		[]string{"m", "f"}[rng.Intn(2)],
		fmt.Sprintf("%02d/%02d/%d", 1+rng.Intn(28), 1+rng.Intn(12), 1950+rng.Intn(55)),
		fmt.Sprintf("%02d-%06d%c%02d", 10+rng.Intn(90), 100000+rng.Intn(900000), 'A'+rune(rng.Intn(26)), 10+rng.Intn(90)),
		"Routine checkup",
		"yes",
	}
	if abandon {
		script = append(script, "stop")
	} else {
		script = append(script, "accept")
	}

	for _, body := range script {
		done, err := s.sendMessage(ctx, phone, body)
		if err != nil || done {
			return
		}
	}

	if abandon {
		atomic.AddInt64(&s.metrics.Abandoned, 1)
	} else {
		atomic.AddInt64(&s.metrics.Booked, 1)
	}
}

// sendMessage posts one webhook delivery. It reports done when the server
// stopped replying or rejected the message.
func (s *Simulator) sendMessage(ctx context.Context, phone, body string) (done bool, err error) {
	payload, _ := json.Marshal(map[string]any{
		"external_message_id":  "sim-" + uuid.NewString(),
		"patient_phone_number": phone,
		"body":                 body,
		"timestamp":            time.Now().Format(time.RFC3339),
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/webhook/whatsapp", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Message.Record(latency, false, false)
		return true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		s.metrics.Message.Record(latency, true, false)
		return false, nil
	case http.StatusNoContent:
		s.metrics.Message.Record(latency, true, false)
		return true, nil
	case http.StatusConflict, http.StatusGone:
		s.metrics.Message.Record(latency, false, true)
		return true, nil
	default:
		s.metrics.Message.Record(latency, false, false)
		return true, nil
	}
}

func (s *Simulator) doSlotSearch(ctx context.Context, rng *rand.Rand) {
	now := time.Now()
	url := fmt.Sprintf("%s/scheduling/slots?time_min=%s&time_max=%s&count=%d",
		s.config.APIBaseURL,
		now.Format(time.RFC3339),
		now.Add(s.config.SlotSearchWindow).Format(time.RFC3339),
		1+rng.Intn(8),
	)

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			// Empty calendars or uneven splits are expected under load.
			conflict = true
		}
	}

	s.metrics.SlotSearch.Record(latency, success, conflict)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Conversations booked: %d, abandoned: %d\n",
		atomic.LoadInt64(&s.metrics.Booked), atomic.LoadInt64(&s.metrics.Abandoned))
	fmt.Println()

	printOperationReport("Webhook message", &s.metrics.Message)
	printOperationReport("Slot search", &s.metrics.SlotSearch)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errors := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errors > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errors, float64(errors)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
