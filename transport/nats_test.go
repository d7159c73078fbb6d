package transport

import (
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/realtime/event"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "SUBSCRIBED", StatusSubscribed.String())
	assert.Equal(t, "CHANNEL_ERROR", StatusChannelError.String())
	assert.Equal(t, "TIMED_OUT", StatusTimedOut.String())
	assert.Equal(t, "CLOSED", StatusClosed.String())
	assert.Equal(t, "UNKNOWN", Status(42).String())
}

func TestCodecRoundTrip(t *testing.T) {
	ev := event.ChangeEvent{
		Kind:     event.KindInsert,
		Table:    "votes",
		RecordID: "v1",
		New:      map[string]any{"campaign_id": "c9", "choice": "yes"},
		CommitTS: 1724500000000,
	}

	data, err := Marshal(ev)
	require.NoError(t, err)

	var decoded event.ChangeEvent
	require.NoError(t, unmarshal(data, &decoded))

	assert.Equal(t, ev.Kind, decoded.Kind)
	assert.Equal(t, ev.Table, decoded.Table)
	assert.Equal(t, ev.RecordID, decoded.RecordID)
	assert.Equal(t, ev.CommitTS, decoded.CommitTS)
	// Loose decoding keeps string values as strings, not []byte.
	assert.Equal(t, "yes", decoded.New["choice"])
}

func TestDecodePassesThroughUncompressed(t *testing.T) {
	tr := &NATS{}
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	tr.decoder = dec

	plain := []byte(`not compressed`)
	out, err := tr.decode(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestEncodeDecodeCompressed(t *testing.T) {
	tr := &NATS{}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	require.NoError(t, err)
	tr.encoder = enc
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	tr.decoder = dec

	payload, err := Marshal(event.ChangeEvent{Kind: event.KindUpdate, Table: "campaigns", RecordID: "c1"})
	require.NoError(t, err)

	compressed := tr.encode(payload)
	assert.True(t, len(compressed) > 4, "compressed frame has a header")
	assert.Equal(t, zstdMagic, compressed[:4], "compressed payloads start with the zstd magic")

	out, err := tr.decode(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestEncodeDisabledIsIdentity(t *testing.T) {
	tr := &NATS{}
	payload := []byte("plain")
	assert.Equal(t, payload, tr.encode(payload))
}
