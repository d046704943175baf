package memory

import (
	"fmt"

	"github.com/docgen/entitlement-api/internal/domain/ledger"
)

func storageErr(err error) error {
	return fmt.Errorf("%w: memory: %v", ledger.ErrStorageUnavailable, err)
}
