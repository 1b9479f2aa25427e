package aggregation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for report validation.
var (
	// ErrMalformedReport is returned when required report fields are missing or unparsable.
	// Malformed reports are rejected before anything is persisted and are never retried.
	ErrMalformedReport = errors.New("malformed report")

	// ErrNilReport is returned when a nil report is validated.
	ErrNilReport = fmt.Errorf("%w: report cannot be nil", ErrMalformedReport)
)

// userIDKeys are the context keys recognized as the affected user id, in lookup order.
var userIDKeys = []string{"userId", "user_id"} //nolint:gochecknoglobals

// Validator checks reports and extracts the derived fields an Occurrence needs.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator backed by go-playground struct tags.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate checks required fields, the level name, and the context blob.
//
// Returns nil if valid, or an error wrapping ErrMalformedReport naming the first bad field.
func (v *Validator) Validate(report *Report) error {
	if report == nil {
		return ErrNilReport
	}

	if err := v.validate.Struct(report); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrMalformedReport, lowerFirst(fieldErrs[0].Field()), fieldErrs[0].Tag())
		}

		return fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}

	if _, err := ParseLevel(report.Level); err != nil {
		return err
	}

	if _, err := AffectedUser(report.Context); err != nil {
		return err
	}

	return nil
}

// AffectedUser extracts the numeric user id from a context blob.
//
// Returns (nil, nil) when the blob is absent, null, not an object, or carries no user id.
// A user id that is present but not an integer (number or numeric string) is ErrMalformedReport.
//
// Examples:
//   - {"userId": 42} → 42
//   - {"userId": "42"} → 42
//   - {"userId": "bob"} → ErrMalformedReport
//   - ["a", "b"] → nil
func AffectedUser(context json.RawMessage) (*int64, error) {
	trimmed := bytes.TrimSpace(context)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil //nolint:nilnil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: context: %w", ErrMalformedReport, err)
	}

	for _, key := range userIDKeys {
		raw, ok := fields[key]
		if !ok || string(bytes.TrimSpace(raw)) == "null" {
			continue
		}

		id, err := parseUserID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: context.%s: %w", ErrMalformedReport, key, err)
		}

		return &id, nil
	}

	return nil, nil //nolint:nilnil
}

func parseUserID(raw json.RawMessage) (int64, error) {
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return numberToInt(number.String())
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, errors.New("must be an integer or numeric string")
	}

	return numberToInt(strings.TrimSpace(text))
}

func numberToInt(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%q is not an integer", s)
	}

	return int64(f), nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}

	return strings.ToLower(s[:1]) + s[1:]
}
