package postgres

import "github.com/lib/pq"

// pqArray adapts a Go string slice to a Postgres TEXT[] parameter.
func pqArray(values []string) any {
	if values == nil {
		values = []string{}
	}
	return pq.Array(values)
}
