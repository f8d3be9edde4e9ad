package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

// Publisher delivers a step result to one external-facing sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, r event.Result) error
}

// ResultReader is the read side the admin API serves from.
type ResultReader interface {
	Latest() (event.Result, bool)
	History(limit int) []event.Result
}

// Encode is the wire form shared by every publisher.
func Encode(r event.Result) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
