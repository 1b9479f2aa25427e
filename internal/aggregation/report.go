package aggregation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxTimestamp is the last second of year 9999 UTC, the newest report timestamp accepted.
// It must match the lte bound on Report.Timestamp.
const MaxTimestamp int64 = 253402300799

// Report is the ingestion payload sent by a reporting client.
//
// Example:
//
//	{
//	  "project": "checkout",
//	  "serverName": "web-3",
//	  "environment": "prod",
//	  "type": "KeyError",
//	  "backtrace": "Traceback (most recent call last): ...",
//	  "message": "'sku'",
//	  "timestamp": 1712345678,
//	  "context": {"userId": 42}
//	}
type Report struct {
	Project     string          `json:"project"     validate:"required"`
	ServerName  string          `json:"serverName"  validate:"required"`
	Environment string          `json:"environment" validate:"required"`
	Type        string          `json:"type"        validate:"required"`
	Backtrace   string          `json:"backtrace"   validate:"required"`
	Message     *string         `json:"message"`
	Timestamp   *int64          `json:"timestamp"   validate:"required,gte=0,lte=253402300799"`
	LogMessage  string          `json:"logMessage,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Level       string          `json:"level,omitempty"`
}

// ParseReport decodes a JSON report payload.
// Syntax errors and type mismatches are reported as ErrMalformedReport.
func ParseReport(data []byte) (*Report, error) {
	var report Report

	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}

	return &report, nil
}

// MessageOrEmpty returns the message, treating a null message as empty.
func (r *Report) MessageOrEmpty() string {
	if r.Message == nil {
		return ""
	}

	return *r.Message
}
