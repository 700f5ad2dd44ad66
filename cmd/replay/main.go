// Replay tool for measuring Kestrel decisions against labeled data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labeled.csv -url http://localhost:8080
//
// The CSV needs a header row with at least amount and is_fraud; id,
// currency, timestamp, merchant_id, merchant_category, merchant_country,
// customer_id, customer_country, online, device_id and ip are used when
// present. Each row is posted to POST /decisions and the verdict is compared
// with the label.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	timeout := flag.Duration("timeout", 90*time.Second, "Per-request timeout")
	verbose := flag.Bool("verbose", false, "Print each decision")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	client := &http.Client{Timeout: *timeout}

	if err := checkHealth(ctx, client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	txs, err := readLabeledCSV(file, *limit, *fraudOnly)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(txs) == 0 {
		fmt.Println("No transactions to replay")
		os.Exit(1)
	}

	fraudCount := 0
	for _, tx := range txs {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions\n", len(txs))
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(txs)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(txs)-fraudCount, 100*float64(len(txs)-fraudCount)/float64(len(txs)))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	metrics := replay(ctx, client, *baseURL, txs, *workers, *verbose)

	printResults(metrics, time.Since(start))
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Decided")
	fmt.Println("                  fraud     legit")
	fmt.Printf("   Actual fraud  %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          legit  %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:        %.4f\n", m.Precision())
	fmt.Printf("   Recall:           %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:         %.4f\n", m.F1())

	decided := m.TotalFraud + m.TotalNonFraud
	fmt.Printf("\nESCALATION\n")
	fmt.Printf("   Escalated:        %d / %d (%.2f%%)\n", m.Escalated, decided, 100*m.EscalationRate())
	fmt.Printf("   Requires Review:  %d / %d (%.2f%%)\n", m.RequiresReview, decided, 100*ratio(m.RequiresReview, decided))

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}
