package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wavesampler/gosampler/internal/voice"
	"pgregory.net/rapid"
)

// checkCoreInvariants asserts spec.md §8's pool-capacity sum invariant and
// the active <=> active_voices <=> activeKeys invariant hold for e/ch at
// any point between renders.
func checkCoreInvariants(t *rapid.T, e *Engine, ch *Channel) {
	t.Helper()
	assert.LessOrEqualf(t, e.pool.Len(), e.pool.Cap(), "pool exceeded capacity")

	for key := range ch.activeKeys {
		assert.NotEmptyf(t, ch.voicesByKey[key], "key %d is marked active but has no voices", key)
	}
	for key, handles := range ch.voicesByKey {
		if len(handles) == 0 {
			continue
		}
		_, ok := ch.activeKeys[key]
		assert.Truef(t, ok, "key %d has voices %v but is not marked active", key, handles)
	}
}

// TestPropertyPoolAndKeyBookkeepingInvariantsHold drives the engine with a
// random sequence of NoteOn/NoteOff/Render actions across a small key
// space and a small voice pool, re-checking spec.md §8's core invariants
// after every step. Voice stealing is enabled so pool exhaustion (capacity
// well below the number of distinct keys in play) is exercised routinely.
func TestPropertyPoolAndKeyBookkeepingInvariantsHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 4).Draw(t, "capacity")
		e, ch := newTestEngine(t, capacity)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := byte(rapid.IntRange(60, 65).Draw(t, "key"))
			action := rapid.IntRange(0, 2).Draw(t, "action")
			switch action {
			case 0:
				ch.SendNoteOn(key, 100, 0)
			case 1:
				ch.SendNoteOff(key, 0, 0)
			case 2:
				// no-op step: just render again to let envelopes/kills drain
			}
			e.Render(64, fakeDevice{})
			checkCoreInvariants(t, e, ch)
		}
	})
}

// TestPropertyKeyGroupExclusivityAlwaysKillsOtherMembers covers spec.md §8's
// key-group exclusivity invariant: whenever two distinct keys share a
// region key_group, triggering one always kills any other active voice in
// the same group, for any pair of distinct keys drawn at random.
func TestPropertyKeyGroupExclusivityAlwaysKillsOtherMembers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const span = 60 // key range width, keeps keyA/keyB both in [30,89]
		keyA := byte(30 + rapid.IntRange(0, span-1).Draw(t, "keyA"))
		keyDelta := rapid.IntRange(1, span-1).Draw(t, "keyDelta")
		keyB := byte(30 + (int(keyA-30)+keyDelta)%span)

		e, ch := newTestEngine(t, 8)
		ch.BindInstrument(fakeQuerier{keyGroup: 1})

		ch.SendNoteOn(keyA, 100, 0)
		e.Render(64, fakeDevice{})
		ch.SendNoteOn(keyB, 100, 0)
		e.Render(64, fakeDevice{})

		for _, h := range ch.voicesByKey[keyA] {
			v := e.pool.Get(h)
			if v == nil {
				continue
			}
			assert.Containsf(t, []voice.State{voice.FadingOut, voice.Idle}, v.State,
				"expected key %d's voice to be killed once key %d triggered in the same group, got %v", keyA, keyB, v.State)
		}
	})
}

// TestPropertyVoiceStealingEventuallySucceedsWhileAnyVoiceExists covers
// spec.md §8's voice-stealing completeness invariant: with a full pool and
// at least one Playing/Releasing voice available as a victim, a new NoteOn
// never permanently fails to acquire a voice -- it succeeds either
// immediately or after the retry queue is drained on a later cycle.
func TestPropertyVoiceStealingEventuallySucceedsWhileAnyVoiceExists(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 3).Draw(t, "capacity")
		e, ch := newTestEngine(t, capacity)

		for k := 0; k < capacity; k++ {
			ch.SendNoteOn(byte(60+k), 100, 0)
		}
		e.Render(64, fakeDevice{})
		assert.Equalf(t, capacity, e.pool.Len(), "expected the pool to be full at capacity")

		newKey := byte(60 + capacity)
		ch.SendNoteOn(newKey, 100, 0)

		acquired := false
		for i := 0; i < 4 && !acquired; i++ {
			e.Render(64, fakeDevice{})
			if len(ch.voicesByKey[newKey]) > 0 {
				acquired = true
			}
		}
		assert.Truef(t, acquired, "expected voice stealing to eventually free a slot for the new NoteOn")
	})
}
