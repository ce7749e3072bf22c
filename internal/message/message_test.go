package message_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/message"
)

func TestGlobalMessageRoundTrip(t *testing.T) {
	want := message.CreateStudy("latency-search", uuid.New())
	u := message.WrapGlobal(want)

	wire, err := message.Encode(u)
	require.NoError(t, err)

	decoded, err := message.Decode(wire)
	require.NoError(t, err)

	got, err := decoded.AsGlobal()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStudyMessageRoundTrip(t *testing.T) {
	want := message.StudyMessage{
		Type:  message.TypeSetTrialValue,
		Ts:    clock.Timestamp{Sec: 42, Nsec: 7},
		Float: 0.125,
	}
	u := message.WrapStudy(want)

	wire, err := message.Encode(u)
	require.NoError(t, err)

	decoded, err := message.Decode(wire)
	require.NoError(t, err)

	got, err := decoded.AsStudy()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeRejectsMismatchedKindTag(t *testing.T) {
	_, err := message.Decode([]byte(`{"kind":"global"}`))
	require.Error(t, err)

	_, err = message.Decode([]byte(`{"kind":"bogus"}`))
	require.Error(t, err)
}

func TestAsGlobalRejectsStudyPayload(t *testing.T) {
	u := message.WrapStudy(message.StudyMessage{Type: message.TypeCreateTrial})
	_, err := u.AsGlobal()
	require.Error(t, err)
}

func TestAsStudyRejectsGlobalPayload(t *testing.T) {
	u := message.WrapGlobal(message.JoinStudy("some-study"))
	_, err := u.AsStudy()
	require.Error(t, err)
}

func TestDirectionStringAndParseRoundTrip(t *testing.T) {
	for _, d := range []message.Direction{message.NotSet, message.Minimize, message.Maximize} {
		parsed, err := message.ParseDirection(d.String())
		require.NoError(t, err)
		require.Equal(t, d, parsed)
	}

	_, err := message.ParseDirection("sideways")
	require.Error(t, err)
}
