package query

// OffsetPagination para paginación clásica
type OffsetPagination struct {
	Limit  int
	Offset int
}

// Normalize aplica el límite por defecto y acota valores negativos.
func (p OffsetPagination) Normalize(defaultLimit, maxLimit int) OffsetPagination {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if maxLimit > 0 && p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Sort indica campo y dirección.
type Sort struct {
	Field string // ej. "created_at", "updated_at"
	Desc  bool
}
