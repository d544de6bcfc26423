package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
)

const DefaultChannel = "agentbox:queue:wakeup"

type wakeup struct {
	DelayMs int64 `json:"delay_ms"`
}

// RedisNotifier difunde los avisos post-commit a todos los procesos por
// pub/sub. Cada proceso reenvía lo que recibe a su worker local.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   queueDomain.Notifier
	log     *zap.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, local queueDomain.Notifier, log *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, local: local, log: log}
}

// Notify publica el aviso. Si Redis falla se avisa sólo al worker local.
func (n *RedisNotifier) Notify(ctx context.Context, delay time.Duration) error {
	body, err := json.Marshal(wakeup{DelayMs: delay.Milliseconds()})
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		n.log.Warn("⚠️ Fallo al publicar en Redis, se avisa al worker local", zap.Error(err))
		return n.local.Notify(ctx, delay)
	}
	return nil
}

// Listen se suscribe al canal hasta que ctx se cancela.
func (n *RedisNotifier) Listen(ctx context.Context) {
	sub := n.client.Subscribe(ctx, n.channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		n.log.Info("🎧 Escuchando avisos de la cola", zap.String("channel", n.channel))
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var w wakeup
				if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
					n.log.Warn("⚠️ Aviso de cola inválido", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				_ = n.local.Notify(ctx, time.Duration(w.DelayMs)*time.Millisecond)
			}
		}
	}()
}
