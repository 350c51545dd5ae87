package command

import (
	"fmt"

	"github.com/kmassidik/walletledger/internal/idempotency"
)

// hashRequest wraps idempotency.HashRequest with a panic-free
// signature convenient for command handlers, which always have a
// well-formed request struct to hash.
func hashRequest(request interface{}) (string, error) {
	hash, err := idempotency.HashRequest(request)
	if err != nil {
		return "", fmt.Errorf("failed to hash request for idempotency: %w", err)
	}
	return hash, nil
}
