package mysql

import "fmt"

type queries struct {
	get    string
	upsert string
	prune  string
}

func newQueries(table string) queries {
	return queries{
		get: fmt.Sprintf("SELECT value FROM %s WHERE storage_key = ?", table),
		upsert: fmt.Sprintf(
			"INSERT INTO %s (storage_key, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
			table,
		),
		prune: fmt.Sprintf("DELETE FROM %s WHERE updated_at <= ? ORDER BY updated_at LIMIT ?", table),
	}
}
