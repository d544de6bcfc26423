package domain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/agentbox/internal/shared/domain/events"
)

func noopHandler(context.Context, events.PokePayload, Delivery) (string, error) { return "ok", nil }

func TestRegister_AppliesRegistryDefaults(t *testing.T) {
	// Arrange
	r := NewRegistry(RegistryOptions{DefaultVisibilityTimeout: 45 * time.Second})

	// Act
	err := Register(r, events.Poke, Consumer[events.PokePayload]{Name: "a", Handle: noopHandler})

	// Assert
	require.NoError(t, err)
	def, ok := r.Lookup(events.Poke.Name(), "a")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, def.VisibilityTimeout)
	assert.NotNil(t, def.RetryPolicy)
}

func TestRegister_DuplicateNameFails(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "a", Handle: noopHandler}))

	err := Register(r, events.Poke, Consumer[events.PokePayload]{Name: "a", Handle: noopHandler})

	assert.ErrorIs(t, err, ErrConsumerAlreadyRegistered)
}

func TestRegister_SameNameOnOtherEventIsAllowed(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "shared", Handle: noopHandler}))

	err := Register(r, events.MachineArchived, Consumer[events.MachineArchivedPayload]{
		Name:   "shared",
		Handle: func(context.Context, events.MachineArchivedPayload, Delivery) (string, error) { return "", nil },
	})

	assert.NoError(t, err)
	assert.Len(t, r.Definitions(), 2)
}

func TestRegister_InvalidDefinitions(t *testing.T) {
	r := NewRegistry(RegistryOptions{})

	assert.ErrorIs(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "  ", Handle: noopHandler}), ErrConsumerInvalid)
	assert.ErrorIs(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "nohandler"}), ErrConsumerInvalid)
	assert.ErrorIs(t, Register(r, events.Event[events.PokePayload]{}, Consumer[events.PokePayload]{Name: "x", Handle: noopHandler}), ErrUnknownEvent)
}

func TestConsumersFor_KeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: name, Handle: noopHandler}))
	}

	defs := r.ConsumersFor(events.Poke.Name())

	require.Len(t, defs, 3)
	assert.Equal(t, "first", defs[0].Name)
	assert.Equal(t, "second", defs[1].Name)
	assert.Equal(t, "third", defs[2].Name)
}

func TestDeregister(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "a", Handle: noopHandler}))
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "b", Handle: noopHandler}))

	assert.True(t, r.Deregister(events.Poke.Name(), "a"))
	assert.False(t, r.Deregister(events.Poke.Name(), "a"))

	_, ok := r.Lookup(events.Poke.Name(), "a")
	assert.False(t, ok)
	defs := r.ConsumersFor(events.Poke.Name())
	require.Len(t, defs, 1)
	assert.Equal(t, "b", defs[0].Name)
}

func TestDefinition_MatchGuardAndDelay(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{
		Name:   "guarded",
		Guard:  func(p events.PokePayload) bool { return p.Message != "skip" },
		Delay:  func(p events.PokePayload) time.Duration { return time.Duration(p.FailTimes) * time.Second },
		Handle: noopHandler,
	}))
	def, _ := r.Lookup(events.Poke.Name(), "guarded")

	matched, delay, err := def.Match(events.PokePayload{Message: "hi", FailTimes: 3})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, 3*time.Second, delay)

	matched, _, err = def.Match(events.PokePayload{Message: "skip"})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestDefinition_MatchGuardPanicBecomesError(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{
		Name:   "boom",
		Guard:  func(events.PokePayload) bool { panic("guard exploded") },
		Handle: noopHandler,
	}))
	def, _ := r.Lookup(events.Poke.Name(), "boom")

	_, _, err := def.Match(events.PokePayload{Message: "hi"})

	assert.ErrorIs(t, err, ErrGuardFailed)
}

func TestDefinition_HandleMalformedPayload(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, Register(r, events.Poke, Consumer[events.PokePayload]{Name: "a", Handle: noopHandler}))
	def, _ := r.Lookup(events.Poke.Name(), "a")

	_, err := def.Handle(context.Background(), json.RawMessage(`{"message": 42}`), Delivery{ReadCount: 1})

	assert.ErrorIs(t, err, ErrMalformedPayload)
}
