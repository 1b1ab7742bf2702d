package main

import (
	"bytes"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// loadgen fires bursts of requests at a gated endpoint and tallies how
// many the limiter admitted, one CSV row per burst.

type burstResult struct {
	At      time.Time
	Sent    int
	Allowed int
	Denied  int
	Errors  int
}

func main() {
	url := flag.String("url", "http://localhost:8080/graphql", "endpoint to hammer")
	body := flag.String("body", `{"query":"query { feed { id } }"}`, "request body")
	burst := flag.Int("burst", 20, "requests per burst")
	interval := flag.Duration("interval", time.Second, "time between bursts")
	duration := flag.Duration("duration", 30*time.Second, "total test duration")
	out := flag.String("out", "loadgen.csv", "CSV output file")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(*duration)

	var results []burstResult
	for time.Now().Before(deadline) {
		res := fireBurst(client, *url, *body, *burst)
		log.Printf("sent=%d allowed=%d denied=%d errors=%d", res.Sent, res.Allowed, res.Denied, res.Errors)
		results = append(results, res)
		time.Sleep(*interval)
	}

	if err := writeCSV(*out, results); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("wrote %d rows to %s", len(results), *out)
}

func fireBurst(client *http.Client, url, body string, n int) burstResult {
	res := burstResult{At: time.Now(), Sent: n}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
			if err != nil {
				mu.Lock()
				res.Errors++
				mu.Unlock()
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-ID", uuid.NewString())

			resp, err := client.Do(req)
			if err != nil {
				mu.Lock()
				res.Errors++
				mu.Unlock()
				return
			}
			_ = resp.Body.Close()

			mu.Lock()
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				res.Denied++
			default:
				res.Allowed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return res
}

func writeCSV(path string, results []burstResult) error {
	if len(results) == 0 {
		return fmt.Errorf("no results collected")
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"time", "sent", "allowed", "denied", "errors"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.At.Format(time.RFC3339),
			strconv.Itoa(r.Sent),
			strconv.Itoa(r.Allowed),
			strconv.Itoa(r.Denied),
			strconv.Itoa(r.Errors),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return nil
}
