package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errEmptyInput = errors.New("console: empty input")

func parseSide(input string) (string, error) {
	side := strings.ToUpper(strings.TrimSpace(input))
	switch side {
	case "BUY", "B":
		return "BUY", nil
	case "SELL", "S":
		return "SELL", nil
	default:
		return "", fmt.Errorf("side must be BUY or SELL, got %q", input)
	}
}

func parsePositiveFloat(input string) (float64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errEmptyInput
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", input)
	}
	if value <= 0 {
		return 0, fmt.Errorf("value must be positive, got %v", value)
	}
	return value, nil
}

func parsePositiveInt(input string) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errEmptyInput
	}
	value, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", input)
	}
	if value <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", value)
	}
	return value, nil
}

// parseDurationMinutes 解析以分钟为单位的时长，允许为0。
func parseDurationMinutes(input string) (time.Duration, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errEmptyInput
	}
	minutes, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", input)
	}
	if minutes < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %v", minutes)
	}
	return time.Duration(minutes * float64(time.Minute)), nil
}

func parseTimeInForce(input string) (string, error) {
	tif := strings.ToUpper(strings.TrimSpace(input))
	if tif == "" {
		return "GTC", nil
	}
	switch tif {
	case "GTC", "IOC", "FOK":
		return tif, nil
	default:
		return "", fmt.Errorf("time in force must be GTC, IOC or FOK, got %q", input)
	}
}
