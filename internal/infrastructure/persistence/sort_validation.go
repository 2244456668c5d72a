package persistence

import "strings"

// SortColumns whitelists the columns a listing may be ordered by. User
// input never reaches ORDER BY unless it names one of them exactly.
type SortColumns struct {
	allowed  map[string]struct{}
	fallback string
}

// NewSortColumns allows columns and falls back to fallback for anything else
func NewSortColumns(fallback string, columns ...string) SortColumns {
	allowed := make(map[string]struct{}, len(columns)+1)
	allowed[fallback] = struct{}{}
	for _, c := range columns {
		allowed[c] = struct{}{}
	}
	return SortColumns{allowed: allowed, fallback: fallback}
}

// Column returns field when allowed, the fallback otherwise
func (s SortColumns) Column(field string) string {
	field = strings.TrimSpace(field)
	if _, ok := s.allowed[field]; ok {
		return field
	}
	return s.fallback
}

// OrderBy renders "<column> ASC|DESC". Direction defaults to DESC.
func (s SortColumns) OrderBy(field, direction string) string {
	dir := "DESC"
	if strings.EqualFold(strings.TrimSpace(direction), "asc") {
		dir = "ASC"
	}
	return s.Column(field) + " " + dir
}

// InvoiceSort orders invoice listings. tenant_id is not sortable.
var InvoiceSort = NewSortColumns("created_at", "id", "updated_at", "name", "amount", "status")
