// event-seeder generates synthetic agent event-log traffic against a
// running eventlogd instance. It plays the role of one enrolled agent
// submitting batches at a configurable rate.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

var (
	serverURL  = flag.String("url", "http://localhost:8095", "eventlogd base URL")
	agentID    = flag.String("agent", "", "agent/device ID (required)")
	agentToken = flag.String("token", "", "agent enrollment token (required)")
	count      = flag.Int("count", 100, "number of events to generate")
	interval   = flag.Duration("interval", 100*time.Millisecond, "interval between batches")
	categories = flag.String("categories", "system,security,application,hardware", "comma-separated event categories")
	timeSpread = flag.Duration("time-spread", 24*time.Hour, "spread events over this period (0 for real-time)")
	batchSize  = flag.Int("batch-size", 25, "events per submission")
)

func main() {
	flag.Parse()

	if *agentID == "" || *agentToken == "" {
		log.Fatal("agent ID and token are required. Use -agent and -token flags")
	}

	gofakeit.Seed(time.Now().UnixNano())

	log.Printf("Starting event seeder:")
	log.Printf("  Server: %s", *serverURL)
	log.Printf("  Agent: %s", *agentID)
	log.Printf("  Event count: %d", *count)
	log.Printf("  Batch size: %d", *batchSize)
	log.Printf("  Time spread: %v", *timeSpread)

	cats := strings.Split(*categories, ",")
	log.Printf("  Categories: %v", cats)

	client := &http.Client{Timeout: 10 * time.Second}

	successCount := 0
	filteredCount := 0
	failCount := 0

	batch := make([]models.EventLogEntry, 0, *batchSize)

	for i := 0; i < *count; i++ {
		category := strings.TrimSpace(cats[rand.Intn(len(cats))])
		batch = append(batch, generateEntry(category, i))

		if len(batch) >= *batchSize || i == *count-1 {
			accepted, filtered, err := sendBatch(client, batch)
			if err != nil {
				log.Printf("Failed to send batch: %v", err)
				failCount += len(batch)
			} else {
				successCount += accepted
				filteredCount += filtered
			}
			batch = batch[:0]

			if *interval > 0 && i < *count-1 {
				time.Sleep(*interval)
			}
		}
	}

	log.Printf("Seeding complete:")
	log.Printf("  Accepted: %d events", successCount)
	log.Printf("  Filtered: %d events", filteredCount)
	log.Printf("  Failed: %d events", failCount)
}

// levelWeights approximate a real event log: mostly noise, rare criticals.
var levelWeights = []struct {
	level models.Level
	limit float32
}{
	{models.LevelInfo, 0.70},
	{models.LevelWarning, 0.90},
	{models.LevelError, 0.98},
	{models.LevelCritical, 1.0},
}

func pickLevel() models.Level {
	r := rand.Float32()
	for _, w := range levelWeights {
		if r < w.limit {
			return w.level
		}
	}
	return models.LevelInfo
}

func generateEntry(category string, index int) models.EventLogEntry {
	now := time.Now().UTC()
	ts := now
	if *timeSpread > 0 {
		ts = now.Add(-time.Duration(rand.Int63n(int64(*timeSpread))))
	}

	level := pickLevel()
	source, eventID, message := describeEvent(category, level)

	return models.EventLogEntry{
		Timestamp: ts.Format(time.RFC3339),
		Level:     level,
		Category:  category,
		Source:    source,
		EventID:   eventID,
		Message:   message,
		Details: map[string]any{
			"computer": gofakeit.AppName(),
			"user":     gofakeit.Username(),
			"sequence": index,
		},
	}
}

func describeEvent(category string, level models.Level) (source, eventID, message string) {
	switch category {
	case "security":
		source = "Microsoft-Windows-Security-Auditing"
		if level == models.LevelInfo {
			eventID = "4624"
			message = fmt.Sprintf("An account was successfully logged on. Account Name: %s", gofakeit.Username())
		} else {
			eventID = "4625"
			message = fmt.Sprintf("An account failed to log on. Account Name: %s Source Network Address: %s",
				gofakeit.Username(), gofakeit.IPv4Address())
		}
	case "hardware":
		source = "Disk"
		eventID = "7"
		message = fmt.Sprintf("The device, \\Device\\Harddisk%d\\DR%d, has a bad block.", rand.Intn(4), rand.Intn(4))
	case "application":
		source = gofakeit.AppName()
		eventID = "1000"
		message = fmt.Sprintf("Faulting application name: %s.exe, version: %s", source, gofakeit.AppVersion())
	default: // system
		source = "Service Control Manager"
		eventID = "7036"
		message = fmt.Sprintf("The %s service entered the %s state.",
			gofakeit.AppName(), []string{"running", "stopped"}[rand.Intn(2)])
	}
	return source, eventID, message
}

func sendBatch(client *http.Client, entries []models.EventLogEntry) (accepted, filtered int, err error) {
	body, err := json.Marshal(models.SubmitEventLogsRequest{Events: entries})
	if err != nil {
		return 0, 0, err
	}

	url := fmt.Sprintf("%s/api/v1/agents/%s/eventlogs", *serverURL, *agentID)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*agentToken)

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, 0, fmt.Errorf("rate limited, retry after %s", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	var result models.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, err
	}
	return result.Count, result.Filtered, nil
}
