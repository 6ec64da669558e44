package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrOrderRejected marks a reply the router accepted over HTTP but refused
// as an order.
var ErrOrderRejected = errors.New("order rejected")

var orderIDKeys = []string{"orderID", "orderId", "order_id", "id"}

// OrderIDFromResponse returns the first order id found anywhere in a router
// reply, searching nested objects and arrays.
func OrderIDFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	return findOrderID(resp)
}

// RejectionFromResponse reports a refused order. Replies carry either
// success=false or a non-empty errorMsg; an "unmatched" status means a
// fill-or-kill order found no liquidity.
func RejectionFromResponse(resp map[string]any) error {
	if resp == nil {
		return nil
	}
	msg := strings.TrimSpace(scalar(resp["errorMsg"]))
	if msg == "" {
		msg = strings.TrimSpace(scalar(resp["error"]))
	}
	if ok, present := resp["success"].(bool); present && !ok {
		if msg == "" {
			msg = "success=false"
		}
		return fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}
	if strings.EqualFold(scalar(resp["status"]), "unmatched") {
		return fmt.Errorf("%w: unmatched", ErrOrderRejected)
	}
	return nil
}

func findOrderID(v any) string {
	switch node := v.(type) {
	case map[string]any:
		for _, key := range orderIDKeys {
			if id := scalar(node[key]); id != "" {
				return id
			}
		}
		for _, child := range node {
			if id := findOrderID(child); id != "" {
				return id
			}
		}
	case []any:
		for _, child := range node {
			if id := findOrderID(child); id != "" {
				return id
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	}
	return ""
}
