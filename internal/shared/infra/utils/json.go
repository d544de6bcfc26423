package utils

import (
	"encoding/json"

	"go.uber.org/zap"
)

func UnmarshalAndHandle[T any](log *zap.Logger, data json.RawMessage, handler func(T)) {
	var evt T
	if err := json.Unmarshal(data, &evt); err != nil {
		log.Warn("⚠️ No se pudo decodificar el evento", zap.Error(err))
		return
	}
	handler(evt)
}

// MergeJSON fusiona dos objetos JSON; las claves de patch ganan.
// Un documento vacío se trata como objeto vacío.
func MergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 && string(base) != "null" {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	if len(patch) > 0 && string(patch) != "null" {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(patch, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
