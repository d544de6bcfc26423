package filesystem

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/agentbox/internal/machine/domain"
)

// LocalProber responde al probe consultando el JSONRuntime: una instancia en
// marcha contesta al instante.
type LocalProber struct {
	runtime *JSONRuntime
}

func NewLocalProber(runtime *JSONRuntime) *LocalProber {
	return &LocalProber{runtime: runtime}
}

func (p *LocalProber) SendProbe(ctx context.Context, m *domain.Machine) (domain.ProbeTicket, error) {
	if !m.Provisioned() {
		return domain.ProbeTicket{}, domain.ErrMachineNotReady
	}
	if _, err := p.runtime.Get(ctx, m.ExternalID); err != nil {
		return domain.ProbeTicket{}, err
	}
	return domain.ProbeTicket{ThreadID: uuid.NewString(), MessageID: uuid.NewString()}, nil
}

func (p *LocalProber) PollForAnswer(ctx context.Context, m *domain.Machine, threadID string) (domain.ProbeAnswer, error) {
	inst, err := p.runtime.Get(ctx, m.ExternalID)
	if err != nil {
		return domain.ProbeAnswer{OK: false, Detail: err.Error()}, nil
	}
	if inst.Status != InstanceRunning {
		return domain.ProbeAnswer{OK: false, Detail: fmt.Sprintf("instance is %s", inst.Status)}, nil
	}
	return domain.ProbeAnswer{OK: true, Response: "READY"}, nil
}

var _ domain.Prober = (*LocalProber)(nil)
