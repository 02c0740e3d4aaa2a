package mysql

import (
	"fmt"

	"github.com/velmie/chatoutbox/internal/sqlname"
)

// maxKeyLength matches the storage_key column width.
const maxKeyLength = 255

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	storage_key VARCHAR(255) NOT NULL,
	value LONGBLOB NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (storage_key),
	INDEX idx_updated_at (updated_at)
);`

// Schema returns the queue table definition.
func Schema(table string) (string, error) {
	name, err := sqlname.Sanitize(table)
	if err != nil {
		return "", fmt.Errorf("outbox mysql: %w", err)
	}

	return fmt.Sprintf(schemaTemplate, name), nil
}
