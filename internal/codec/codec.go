// Package codec encodes task arguments and results for storage.
//
// Arguments travel between the registering host process and the worker
// process as an opaque blob. The default codec is JSON; hosts with
// richer value graphs can plug in their own implementation.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Arguments is the (positional, named) pair stored with every task.
type Arguments struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Codec converts argument bundles and result values to and from blobs.
type Codec interface {
	EncodeArguments(args Arguments) ([]byte, error)
	DecodeArguments(blob []byte) (Arguments, error)
	EncodeValue(value any) ([]byte, error)
	DecodeValue(blob []byte) (any, error)
}

// JSON is the default codec.
type JSON struct{}

func (JSON) EncodeArguments(args Arguments) ([]byte, error) {
	blob, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return blob, nil
}

func (JSON) DecodeArguments(blob []byte) (Arguments, error) {
	var args Arguments
	if len(blob) == 0 {
		return args, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(blob))
	decoder.UseNumber()
	if err := decoder.Decode(&args); err != nil {
		return Arguments{}, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

func (JSON) EncodeValue(value any) ([]byte, error) {
	blob, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return blob, nil
}

func (JSON) DecodeValue(blob []byte) (any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(blob))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}
