package utils

// Ternary es un operador ternario genérico
func Ternary[T any](condition bool, ifTrue, ifFalse T) T {
	if condition {
		return ifTrue
	}
	return ifFalse
}

// SortDirection traduce el flag Desc de sharedQuery.Sort a SQL.
func SortDirection(desc bool) string {
	return Ternary(desc, "DESC", "ASC")
}
