package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/clinic-queue/internal/config"
	"github.com/medidesk/clinic-queue/internal/db"
)

// Drives concurrent accept/serve/done traffic against a running api-server
// so the per-day queue lock and number recomputation can be observed under
// contention from multiple admin sessions.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	AcceptRatio  float64
	ServeRatio   float64
	ReadRatio    float64
	PatientLimit int
	PostgresDSN  string
}

type DataPool struct {
	Patients []uuid.UUID
	mu       sync.RWMutex
	pending  []uuid.UUID // appointment IDs still awaiting accept/deny
	serving  []uuid.UUID // appointment IDs observed in serving state
}

func (dp *DataPool) AddPending(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.pending = append(dp.pending, id)
}

func (dp *DataPool) TakeRandomPending(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.pending) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.pending))
	id := dp.pending[idx]
	dp.pending = append(dp.pending[:idx], dp.pending[idx+1:]...)
	return id, true
}

func (dp *DataPool) SetServing(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.serving = append(dp.serving, id)
}

func (dp *DataPool) TakeServing() (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.serving) == 0 {
		return uuid.Nil, false
	}
	id := dp.serving[0]
	dp.serving = dp.serving[1:]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0
	}

	sorted := make([]time.Duration, len(om.latencies))
	copy(sorted, om.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	avg = sum / time.Duration(len(sorted))

	idx := len(sorted) * 95 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return avg, sorted[idx]
}

type Metrics struct {
	Accept    OperationMetrics
	ServeNext OperationMetrics
	MarkDone  OperationMetrics
	ReadQueue OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d accept=%.2f serve=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.AcceptRatio, cfg.ServeRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d pending appointments",
		len(dataPool.Patients), len(dataPool.pending))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		AcceptRatio:  getFloat("SIM_ACCEPT_RATIO", 0.4),
		ServeRatio:   getFloat("SIM_SERVE_RATIO", 0.3),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 200),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.AcceptRatio + cfg.ServeRatio + cfg.ReadRatio
	if total > 0 {
		cfg.AcceptRatio /= total
		cfg.ServeRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE status = 'pending' AND date >= now() - interval '1 day'
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending appointments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.pending = append(dataPool.pending, id)
	}

	if len(dataPool.pending) == 0 {
		return nil, fmt.Errorf("no pending appointments loaded, run cmd/seed first")
	}

	return dataPool, nil
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
			r := rng.Float64()
			switch {
			case r < s.config.AcceptRatio:
				s.doAccept(ctx, rng)
			case r < s.config.AcceptRatio+s.config.ServeRatio:
				// Alternate between calling in and finishing patients.
				if id, ok := s.pool.TakeServing(); ok {
					s.doMarkDone(ctx, id)
				} else {
					s.doServeNext(ctx)
				}
			default:
				s.doReadQueue(ctx)
			}
		}
	}
}

func (s *Simulator) doAccept(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeRandomPending(rng)
	if !ok {
		return
	}

	status, latency := s.post(ctx, fmt.Sprintf("/appointments/%s/accept", id), nil)
	s.metrics.Accept.Record(latency, status)

	// A busy queue is not a lost appointment; put it back for retry.
	if status == http.StatusConflict {
		s.pool.AddPending(id)
	}
}

func (s *Simulator) doServeNext(ctx context.Context) {
	status, latency := s.post(ctx, "/queue/serve-next", map[string]any{})
	s.metrics.ServeNext.Record(latency, status)
}

func (s *Simulator) doMarkDone(ctx context.Context, id uuid.UUID) {
	status, latency := s.post(ctx, fmt.Sprintf("/appointments/%s/done", id), nil)
	s.metrics.MarkDone.Record(latency, status)
}

func (s *Simulator) doReadQueue(ctx context.Context) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/queue", nil)
	if err != nil {
		s.metrics.ReadQueue.Record(time.Since(start), 0)
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.ReadQueue.Record(time.Since(start), 0)
		return
	}
	defer resp.Body.Close()

	// Remember who is serving so a later worker can mark them done.
	if resp.StatusCode == http.StatusOK {
		var body struct {
			Appointments []struct {
				ID     uuid.UUID `json:"id"`
				Status string    `json:"status"`
			} `json:"appointments"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			for _, a := range body.Appointments {
				if a.Status == "serving" {
					s.pool.SetServing(a.ID)
				}
			}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	s.metrics.ReadQueue.Record(time.Since(start), resp.StatusCode)
}

func (s *Simulator) post(ctx context.Context, path string, payload any) (int, time.Duration) {
	start := time.Now()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, time.Since(start)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, body)
	if err != nil {
		return 0, time.Since(start)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, time.Since(start)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, time.Since(start)
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("=== simulation report ===")
	printOp("accept", &s.metrics.Accept)
	printOp("serve-next", &s.metrics.ServeNext)
	printOp("mark-done", &s.metrics.MarkDone)
	printOp("read-queue", &s.metrics.ReadQueue)
}

func printOp(name string, om *OperationMetrics) {
	avg, p95 := om.Stats()
	fmt.Printf("%-12s total=%d success=%d conflict=%d error=%d avg=%s p95=%s\n",
		name,
		atomic.LoadInt64(&om.Total),
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		avg, p95,
	)
}

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
