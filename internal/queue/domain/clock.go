package domain

import "time"

// Clock devuelve la hora actual; los tests inyectan un reloj controlado.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}
