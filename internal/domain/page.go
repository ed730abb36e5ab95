package domain

import "strconv"

// PaginationParams carries page/limit values from the HTTP layer to the repo
// layer. Page is 1-indexed. Limit is capped at 100 by ParsePaginationParams.
type PaginationParams struct {
	Page  int
	Limit int
}

// ParsePaginationParams builds a PaginationParams from raw query string
// values. Missing or malformed values fall back to page=1, limit=20; the
// limit is capped at 100 to prevent runaway queries.
func ParsePaginationParams(page, limit string) PaginationParams {
	p := PaginationParams{Page: 1, Limit: 20}
	if n, err := strconv.Atoi(page); err == nil && n >= 1 {
		p.Page = n
	}
	if n, err := strconv.Atoi(limit); err == nil && n >= 1 {
		p.Limit = n
		if p.Limit > 100 {
			p.Limit = 100
		}
	}
	return p
}

// Offset returns the zero-based row offset for a SQL OFFSET clause.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.Limit
}
