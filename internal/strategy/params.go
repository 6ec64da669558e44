package strategy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrUnknownParam    = errors.New("unknown strategy param")
	ErrInvalidParam    = errors.New("invalid strategy param")
)

// normalizeKey folds snake_case and camelCase spellings onto one key.
func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

func parseFloat(key, val string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParam, key, val)
	}
	return f, nil
}

// parseOptionalFloat treats an empty or "none" value as unset (0).
func parseOptionalFloat(key, val string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "", "none", "null", "off":
		return 0, nil
	}
	return parseFloat(key, val)
}

func parseInt(key, val string) (int, error) {
	f, err := parseFloat(key, val)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParam, key)
	}
	return int(f), nil
}

func parseInt64(key, val string) (int64, error) {
	n, err := parseInt(key, val)
	return int64(n), err
}

func requirePositive(key string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidParam, key)
	}
	return nil
}

func requireNonNegative(key string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalidParam, key)
	}
	return nil
}

func unknownParam(key string) error {
	return fmt.Errorf("%w: %s", ErrUnknownParam, key)
}
