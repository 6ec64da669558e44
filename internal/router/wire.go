package router

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LimitBuy builds the wire form of a limit buy on one outcome token.
func LimitBuy(tokenID string, size, price float64, tif Tif, cloid string) (OrderWire, error) {
	if strings.TrimSpace(tokenID) == "" {
		return OrderWire{}, errors.New("token id is required")
	}
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if price <= 0 || price >= 1 {
		return OrderWire{}, fmt.Errorf("limit price %v outside (0, 1)", price)
	}
	priceWire, err := floatToWire(price)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		TokenID: tokenID,
		Side:    "BUY",
		Price:   priceWire,
		Size:    sizeWire,
		Tif:     tif,
		Cloid:   cloid,
	}, nil
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.6f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-9 {
		return "", fmt.Errorf("wire rounding would change %v", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
