package router

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeOrderAction writes the action as msgpack with a fixed key order.
func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := encodeStrings(enc, "type", action.Type, "orders"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.Orders)); err != nil {
		return nil, err
	}
	for _, order := range action.Orders {
		if err := encodeOrderWire(enc, order); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.OrderIDs) == 0 {
		return nil, errors.New("order ids are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := encodeStrings(enc, "type", action.Type, "orderIds"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.OrderIDs)); err != nil {
		return nil, err
	}
	for _, id := range action.OrderIDs {
		if err := enc.EncodeString(id); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	if order.Tif == "" {
		return errors.New("order tif is required")
	}
	mapLen := 5
	if order.Cloid != "" {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	fields := []string{
		"t", order.TokenID,
		"s", order.Side,
		"p", order.Price,
		"z", order.Size,
		"f", string(order.Tif),
	}
	if order.Cloid != "" {
		fields = append(fields, "c", order.Cloid)
	}
	return encodeStrings(enc, fields...)
}

func encodeStrings(enc *msgpack.Encoder, values ...string) error {
	for _, v := range values {
		if err := enc.EncodeString(v); err != nil {
			return err
		}
	}
	return nil
}
