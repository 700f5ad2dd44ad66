package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabeledTransaction is one CSV row: the transaction and its ground truth.
type LabeledTransaction struct {
	Request domain.TransactionRequest
	IsFraud bool
}

// Metrics tracks replay results
type Metrics struct {
	TruePositives  int64 // Fraud decided as fraud
	FalsePositives int64 // Legitimate decided as fraud
	TrueNegatives  int64 // Legitimate decided as legitimate
	FalseNegatives int64 // Fraud decided as legitimate (missed fraud!)

	Escalated      int64
	RequiresReview int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Record adds one decision to the confusion matrix.
func (m *Metrics) Record(actual bool, res *domain.DecisionResult) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	if res.Escalated {
		atomic.AddInt64(&m.Escalated, 1)
	}
	if res.RequiresReview {
		atomic.AddInt64(&m.RequiresReview, 1)
	}

	predicted := res.IsFraud
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP), or 0 with no positive decisions.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN), or 0 with no fraud in the data.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// EscalationRate is the share of decided transactions that needed analysis.
func (m *Metrics) EscalationRate() float64 {
	return ratio(m.Escalated, m.TotalFraud+m.TotalNonFraud)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// readLabeledCSV parses a labeled transaction CSV. Columns are matched by
// header name, case-insensitively; is_fraud is required, the rest map onto
// the decision request. Malformed rows are skipped.
func readLabeledCSV(r io.Reader, limit int, fraudOnly bool) ([]LabeledTransaction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["is_fraud"]; !ok {
		return nil, fmt.Errorf("missing is_fraud column")
	}

	get := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var out []LabeledTransaction
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		row++

		isFraud := parseBool(get(record, "is_fraud"))
		if fraudOnly && !isFraud {
			continue
		}

		amount, err := strconv.ParseFloat(get(record, "amount"), 64)
		if err != nil {
			continue
		}

		id := get(record, "id")
		if id == "" {
			id = fmt.Sprintf("replay-%d", row)
		}
		currency := get(record, "currency")
		if currency == "" {
			currency = "USD"
		}

		out = append(out, LabeledTransaction{
			Request: domain.TransactionRequest{
				ID:               id,
				Amount:           amount,
				Currency:         currency,
				Timestamp:        get(record, "timestamp"),
				MerchantID:       get(record, "merchant_id"),
				MerchantCategory: get(record, "merchant_category"),
				MerchantCountry:  get(record, "merchant_country"),
				CustomerID:       get(record, "customer_id"),
				CustomerCountry:  get(record, "customer_country"),
				Online:           parseBool(get(record, "online")),
				DeviceID:         get(record, "device_id"),
				IP:               get(record, "ip"),
			},
			IsFraud: isFraud,
		})

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// replay posts every transaction to POST /decisions with numWorkers
// concurrent clients and collects the confusion matrix.
func replay(ctx context.Context, client *http.Client, baseURL string, txs []LabeledTransaction, numWorkers int, verbose bool) *Metrics {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	metrics := &Metrics{}

	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for tx := range work {
				start := time.Now()
				res, err := decide(ctx, client, baseURL, tx.Request)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Request.ID, err)
					}
					continue
				}

				metrics.Record(tx.IsFraud, res)

				if verbose {
					status := "ok "
					if res.IsFraud != tx.IsFraud {
						status = "BAD"
					}
					fmt.Printf("%s %-14s | Amount: %12.2f | Fraud: %-5v | Decided: %-5v (%.2f) | Escalated: %-5v | Provider: %s\n",
						status,
						tx.Request.ID,
						tx.Request.Amount,
						tx.IsFraud,
						res.IsFraud,
						res.FraudProbability,
						res.Escalated,
						res.Provider,
					)
				}
			}
		}()
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics
}

func decide(ctx context.Context, client *http.Client, baseURL string, req domain.TransactionRequest) (*domain.DecisionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/decisions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res domain.DecisionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}
