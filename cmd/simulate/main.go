// simulate drives concurrent booking traffic against a running api-server to
// exercise the double-booking protection: workers deliberately request
// overlapping blocks for a small set of doctors, so most attempts must come
// back as conflicts while at most one booking per interval succeeds.
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

	"github.com/opclinic/surgical-scheduling/internal/config"
	"github.com/opclinic/surgical-scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CheckRatio   float64
	SlotsRatio   float64
	DoctorLimit  int
	PostgresDSN  string
}

type DataPool struct {
	Doctors []uuid.UUID
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
	Booking        OperationMetrics
	CheckConflict  OperationMetrics
	AvailableSlots OperationMetrics
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

	log.Printf("config: duration=%s workers=%d booking=%.2f check=%.2f slots=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.CheckRatio, cfg.SlotsRatio)

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

	log.Printf("loaded: %d doctors", len(dataPool.Doctors))

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
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CheckRatio:   getFloat("SIM_CHECK_RATIO", 0.25),
		SlotsRatio:   getFloat("SIM_SLOTS_RATIO", 0.25),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 5),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.CheckRatio + cfg.SlotsRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CheckRatio /= total
		cfg.SlotsRatio /= total
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

	// Few doctors means heavy contention per agenda, which is the point.
	rows, err := pool.Query(ctx, `
		SELECT id FROM users WHERE role = 'DOCTOR' LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
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
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CheckRatio:
				s.doCheckConflict(ctx, rng)
			default:
				s.doAvailableSlots(ctx, rng)
			}
		}
	}
}

// targetWindow picks one of a handful of half-hour blocks on a fixed future
// day, so concurrent workers keep colliding on the same intervals.
func (s *Simulator) targetWindow(rng *rand.Rand) (date string, start, end string) {
	day := time.Now().AddDate(0, 0, 7+rng.Intn(3))
	hour := 7 + rng.Intn(6)
	half := rng.Intn(2) * 30

	date = day.Format("2006-01-02")
	start = fmt.Sprintf("%02d:%02d", hour, half)
	end = fmt.Sprintf("%02d:%02d", hour+1, half)
	return date, start, end
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	date, startTime, endTime := s.targetWindow(rng)

	reqBody := map[string]string{
		"selectedDate":     date,
		"selectedTime":     startTime,
		"estimatedEndTime": endTime,
		"patientName":      fmt.Sprintf("Sim Patient %03d", rng.Intn(200)),
		"birthDate":        "15/03/1980",
		"patientPhone":     fmt.Sprintf("(51) 9%04d-%04d", rng.Intn(200), rng.Intn(10000)),
		"procedure":        "Procedimento simulado de carga",
		"specialNeeds":     "Nenhuma",
		"insurance":        "UNIMED",
	}

	start := time.Now()
	status, err := s.post(ctx, doctorID, "/api/schedules/request", reqBody)
	latency := time.Since(start)

	s.metrics.Booking.Record(latency, err == nil && status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doCheckConflict(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	date, startTime, endTime := s.targetWindow(rng)

	reqBody := map[string]string{
		"date":      date,
		"startTime": startTime,
		"endTime":   endTime,
	}

	start := time.Now()
	status, err := s.post(ctx, doctorID, "/api/schedules/check-availability", reqBody)
	latency := time.Since(start)

	s.metrics.CheckConflict.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doAvailableSlots(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	date, _, _ := s.targetWindow(rng)

	reqBody := map[string]any{
		"date": date,
	}

	start := time.Now()
	status, err := s.post(ctx, doctorID, "/api/schedules/available-slots", reqBody)
	latency := time.Since(start)

	s.metrics.AvailableSlots.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) post(ctx context.Context, actorID uuid.UUID, path string, body any) (int, error) {
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID.String())
	req.Header.Set("X-Actor-Role", "DOCTOR")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("=== simulation report ===")
	printOp("booking", &s.metrics.Booking)
	printOp("check-availability", &s.metrics.CheckConflict)
	printOp("available-slots", &s.metrics.AvailableSlots)
}

func printOp(name string, om *OperationMetrics) {
	avg, min, max, p50, p95 := om.Stats()
	fmt.Printf("%-20s total=%d success=%d conflict=%d error=%d\n",
		name, om.Total, om.Success, om.Conflict, om.Error)
	fmt.Printf("%-20s avg=%s min=%s max=%s p50=%s p95=%s\n",
		"", avg, min, max, p50, p95)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
