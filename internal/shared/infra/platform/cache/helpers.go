package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AsyncCacheSet actualiza caché en background sin bloquear
func AsyncCacheSet(cache Cache, key string, value interface{}, ttl int, log *zap.Logger) {
	if cache == nil {
		return
	}

	go func() {
		// Dispara y olvida: no depende del contexto de la petición original.
		cacheCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		if err := cache.Set(cacheCtx, key, value, ttl); err != nil {
			log.Warn("⚠️ Fallo al actualizar la cache", zap.String("key", key), zap.Error(err))
		}
	}()
}

// InvalidateSync borra la clave antes de devolver; un fallo sólo se registra.
func InvalidateSync(ctx context.Context, cache Cache, key string, log *zap.Logger) {
	if cache == nil {
		return
	}
	if err := cache.Delete(ctx, key); err != nil {
		log.Warn("⚠️ Fallo al borrar de la cache", zap.String("key", key), zap.Error(err))
	}
}
