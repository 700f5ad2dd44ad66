package domain

import (
	"fmt"
	"strings"
	"time"
)

// Transaction represents an incoming payment to be decided.
// Created by the caller and never mutated by the pipeline.
type Transaction struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`

	// Merchant side
	MerchantID       string `json:"merchantId"`
	MerchantCategory string `json:"merchantCategory"`
	MerchantCountry  string `json:"merchantCountry"`

	// Customer side
	CustomerID      string `json:"customerId"`
	CustomerCountry string `json:"customerCountry,omitempty"`
	Online          bool   `json:"online"`

	// Optional context
	Geo      *GeoPoint `json:"geo,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	IP       string    `json:"ip,omitempty"`
}

// GeoPoint is an optional latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TransactionRequest is the API payload for a decision request.
// Timestamp is kept as a string so a malformed value is reported as a
// validation problem instead of a JSON decode failure.
type TransactionRequest struct {
	ID               string    `json:"id"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	Timestamp        string    `json:"timestamp"`
	MerchantID       string    `json:"merchantId"`
	MerchantCategory string    `json:"merchantCategory"`
	MerchantCountry  string    `json:"merchantCountry"`
	CustomerID       string    `json:"customerId"`
	CustomerCountry  string    `json:"customerCountry,omitempty"`
	Online           bool      `json:"online"`
	Geo              *GeoPoint `json:"geo,omitempty"`
	DeviceID         string    `json:"deviceId,omitempty"`
	IP               string    `json:"ip,omitempty"`
}

// ToTransaction validates the request and converts it to a Transaction.
// An empty timestamp defaults to now.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	verr := &ValidationError{}

	ts := time.Now().UTC()
	if strings.TrimSpace(r.Timestamp) != "" {
		parsed, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			verr.Add("timestamp", "must be an ISO-8601 / RFC 3339 timestamp")
		} else {
			ts = parsed.UTC()
		}
	}

	tx := &Transaction{
		ID:               r.ID,
		Amount:           r.Amount,
		Currency:         strings.ToUpper(r.Currency),
		Timestamp:        ts,
		MerchantID:       r.MerchantID,
		MerchantCategory: r.MerchantCategory,
		MerchantCountry:  strings.ToUpper(r.MerchantCountry),
		CustomerID:       r.CustomerID,
		CustomerCountry:  strings.ToUpper(r.CustomerCountry),
		Online:           r.Online,
		Geo:              r.Geo,
		DeviceID:         r.DeviceID,
		IP:               r.IP,
	}

	if err := tx.Validate(); err != nil {
		if v, ok := err.(*ValidationError); ok {
			verr.Problems = append(verr.Problems, v.Problems...)
		}
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return tx, nil
}

// Validate checks the fields the pipeline depends on.
func (t *Transaction) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(t.ID) == "" {
		verr.Add("id", "is required")
	}
	if t.Amount <= 0 {
		verr.Add("amount", "must be positive")
	}
	if len(t.Currency) != 3 {
		verr.Add("currency", "must be a 3-letter code")
	}
	if t.Timestamp.IsZero() {
		verr.Add("timestamp", "is required")
	}
	if strings.TrimSpace(t.MerchantID) == "" {
		verr.Add("merchantId", "is required")
	}
	if strings.TrimSpace(t.CustomerID) == "" {
		verr.Add("customerId", "is required")
	}
	if t.Geo != nil {
		if t.Geo.Lat < -90 || t.Geo.Lat > 90 || t.Geo.Lon < -180 || t.Geo.Lon > 180 {
			verr.Add("geo", "coordinates out of range")
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// Describe renders the transaction as text for retrieval and analysis prompts.
func (t *Transaction) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s: %.2f %s at %s.\n", t.ID, t.Amount, t.Currency, t.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Merchant %s (category %s, country %s).\n", t.MerchantID, orUnknown(t.MerchantCategory), orUnknown(t.MerchantCountry))
	channel := "in-person"
	if t.Online {
		channel = "online"
	}
	fmt.Fprintf(&b, "Customer %s, %s purchase", t.CustomerID, channel)
	if t.CustomerCountry != "" {
		fmt.Fprintf(&b, ", home country %s", t.CustomerCountry)
	}
	b.WriteString(".\n")
	if t.DeviceID != "" || t.IP != "" {
		fmt.Fprintf(&b, "Device %s, IP %s.\n", orUnknown(t.DeviceID), orUnknown(t.IP))
	}
	if t.Geo != nil {
		fmt.Fprintf(&b, "Location %.4f,%.4f.\n", t.Geo.Lat, t.Geo.Lon)
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
