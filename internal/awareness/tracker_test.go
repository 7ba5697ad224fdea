package awareness

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocalBumpsVersion(t *testing.T) {
	tr := NewTracker(nil)
	d, err := tr.SetLocal("c1", json.RawMessage(`{"name":"ada","cursor":3}`))
	require.NoError(t, err)
	require.Len(t, d.Entries, 1)
	assert.Equal(t, uint64(1), d.Entries[0].Version)

	d, err = tr.SetLocal("c1", json.RawMessage(`{"name":"ada","cursor":4}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Entries[0].Version)
	assert.Equal(t, 1, tr.Len())
}

func TestApplySuppressesDuplicatesAndStaleVersions(t *testing.T) {
	tr := NewTracker(nil)
	in := Delta{Entries: []Entry{{Version: 3, State: json.RawMessage(`{"color":"#00ff00"}`)}}}

	accepted, err := tr.Apply("c1", in)
	require.NoError(t, err)
	require.Len(t, accepted.Entries, 1)
	assert.Equal(t, "c1", accepted.Entries[0].ConnectionID)

	accepted, err = tr.Apply("c1", in)
	require.NoError(t, err)
	assert.True(t, accepted.Empty())

	stale := Delta{Entries: []Entry{{Version: 2, State: json.RawMessage(`{"color":"#ff0000"}`)}}}
	accepted, err = tr.Apply("c1", stale)
	require.NoError(t, err)
	assert.True(t, accepted.Empty())
	assert.JSONEq(t, `{"color":"#00ff00"}`, string(tr.Snapshot().Entries[0].State))
}

func TestApplyIgnoresOtherConnections(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.SetLocal("victim", json.RawMessage(`{"name":"v"}`))
	require.NoError(t, err)

	spoof := Delta{Entries: []Entry{{ConnectionID: "victim", Version: 9}}}
	accepted, err := tr.Apply("attacker", spoof)
	require.NoError(t, err)
	assert.True(t, accepted.Empty())
	assert.Equal(t, 1, tr.Len())
}

func TestInvalidStateRejected(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.SetLocal("c1", json.RawMessage(`{"color":"red"}`))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = tr.SetLocal("c1", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidState)

	big := `{"note":"` + strings.Repeat("x", DefaultMaxStateBytes) + `"}`
	_, err = tr.Apply("c1", Delta{Entries: []Entry{{Version: 1, State: json.RawMessage(big)}}})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, tr.Len())
}

func TestDisconnectProducesRemoval(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.SetLocal("c1", json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	_, err = tr.SetLocal("c2", json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)

	removal, ok := tr.OnDisconnect("c1")
	require.True(t, ok)
	require.Len(t, removal.Entries, 1)
	assert.True(t, removal.Entries[0].Removed())
	assert.Equal(t, uint64(2), removal.Entries[0].Version)

	_, ok = tr.OnDisconnect("c1")
	assert.False(t, ok)

	snap := tr.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "c2", snap.Entries[0].ConnectionID)
}

func TestDeltaCodec(t *testing.T) {
	d := Delta{Entries: []Entry{
		{ConnectionID: "a", Version: 1, State: json.RawMessage(`{"name":"a"}`)},
		{ConnectionID: "b", Version: 4},
	}}
	decoded, err := DecodeDelta(EncodeDelta(d))
	require.NoError(t, err)
	assert.Equal(t, d, decoded)

	_, err = DecodeDelta([]byte{0xff})
	assert.ErrorIs(t, err, ErrInvalidState)
}
