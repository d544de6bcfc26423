package events

import "sort"

// EventName es el nombre con el que un evento se persiste en la tabla events.
type EventName string

func (n EventName) String() string { return string(n) }

// Event asocia un nombre de evento con el tipo de su payload. Sólo se pueden
// construir dentro de este paquete, así el conjunto de eventos es cerrado.
type Event[P any] struct {
	name EventName
}

func (e Event[P]) Name() EventName { return e.name }

var known = map[EventName]struct{}{}

func define[P any](name EventName) Event[P] {
	if _, dup := known[name]; dup {
		panic("events: duplicated event name " + string(name))
	}
	known[name] = struct{}{}
	return Event[P]{name: name}
}

// IsKnown indica si el nombre pertenece al conjunto cerrado de eventos.
func IsKnown(name EventName) bool {
	_, ok := known[name]
	return ok
}

// Names devuelve todos los nombres ordenados.
func Names() []EventName {
	out := make([]EventName, 0, len(known))
	for n := range known {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	Poke = define[PokePayload]("testing:poke")

	MachineCreated              = define[MachineCreatedPayload]("machine:created")
	MachineDaemonStatusReported = define[DaemonStatusReportedPayload]("machine:daemon-status-reported")
	MachineProbeSent            = define[ProbeSentPayload]("machine:probe-sent")
	MachineProbeSucceeded       = define[ProbeSucceededPayload]("machine:probe-succeeded")
	MachineProbeFailed          = define[ProbeFailedPayload]("machine:probe-failed")
	MachineActivated            = define[MachineActivatedPayload]("machine:activated")
	MachineArchiveRequested     = define[ArchiveRequestedPayload]("machine:archive-requested")
	MachineArchived             = define[MachineArchivedPayload]("machine:archived")
)
