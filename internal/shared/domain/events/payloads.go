package events

import "github.com/google/uuid"

// PokePayload alimenta el consumidor sintético que valida reintentos y archivado.
// FailTimes fuerza errores en los primeros N intentos.
type PokePayload struct {
	Message   string `json:"message"`
	FailTimes int    `json:"fail_times,omitempty"`
}

type MachineCreatedPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

const DaemonStatusReady = "ready"

type DaemonStatusReportedPayload struct {
	MachineID  uuid.UUID `json:"machine_id"`
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"`
}

type ProbeSentPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
}

type ProbeSucceededPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ThreadID  string    `json:"thread_id"`
	Response  string    `json:"response"`
}

type ProbeFailedPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Detail    string    `json:"detail"`
}

type MachineActivatedPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

type ArchiveRequestedPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	Reason    string    `json:"reason,omitempty"`
}

type MachineArchivedPayload struct {
	MachineID uuid.UUID `json:"machine_id"`
	ProjectID uuid.UUID `json:"project_id"`
}
