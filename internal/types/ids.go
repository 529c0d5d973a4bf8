// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type RunID string
type SubscriberID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewSubscriberID() SubscriberID {
	return SubscriberID(uuid.New().String())
}
