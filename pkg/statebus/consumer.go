// Package statebus fans registry events out over Kafka so external
// auditors can follow submissions without polling the HTTP surface.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
