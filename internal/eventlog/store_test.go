package eventlog_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/model"
)

var t0 = time.Date(2025, time.January, 15, 10, 15, 0, 0, time.UTC)

func openLog(t *testing.T, fs afero.Fs, capacity int64) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(fs, "/data/log", capacity, clocktesting.NewFakePassiveClock(t0), logging.Nop())
	require.NoError(t, err)
	return s
}

func granted(code uint64) model.Event {
	return model.Event{Code: code, Kind: model.EventAccessGranted}
}

func TestAppend_ChainsRecords(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 0)

	r1, err := s.Append(granted(0x0100000000000001))
	require.NoError(t, err)
	r2, err := s.Append(model.Event{Code: 2, Kind: model.EventAccessDenied, Details: map[string]any{model.DetailReason: model.ReasonOutOfDomain}})
	require.NoError(t, err)

	assert.Equal(t, t0, r1.Timestamp)
	assert.Equal(t, uint64(0), r1.Seq)
	assert.Equal(t, uint64(1), r2.Seq)
	assert.Equal(t, r1.RecordHash, r2.PrevHash)
	assert.Equal(t, strings.Repeat("0", 64), r1.PrevHash)
	assert.Equal(t, "0100000000000001", r1.CodeHex())

	n, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.ReasonOutOfDomain, all[1].Details[model.DetailReason])
}

func TestAppend_RejectsUnknownKind(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 0)
	_, err := s.Append(model.Event{Kind: "Bogus"})
	assert.Error(t, err)
	assert.Zero(t, s.Usage().Records)
}

func TestAppend_FullWritesMarkerOnce(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 2048)
	hooks := 0
	s.OnFull(func() { hooks++ })

	var err error
	appended := 0
	for range 100 {
		if _, err = s.Append(granted(1)); err != nil {
			break
		}
		appended++
	}
	require.ErrorIs(t, err, errclass.ErrLogFull)
	assert.Positive(t, appended)
	assert.Equal(t, 1, hooks)
	assert.True(t, s.Full())

	_, err = s.Append(granted(1))
	assert.ErrorIs(t, err, errclass.ErrLogFull)
	assert.Equal(t, 1, hooks, "hook runs on the transition only")

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, appended+1)
	assert.Equal(t, model.EventLogStorageFull, all[appended].Kind)
	assert.LessOrEqual(t, s.Usage().Bytes, int64(2048))

	_, err = s.Verify()
	assert.NoError(t, err)
}

func TestClear_RunsHooksAndAcceptsAgain(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 1024)
	cleared := 0
	s.OnCleared(func() { cleared++ })
	for s.Log(granted(1)) == nil {
	}
	require.True(t, s.Full())

	require.NoError(t, s.Clear())
	assert.Equal(t, 1, cleared)
	assert.False(t, s.Full())
	assert.Zero(t, s.Usage().Records)

	r, err := s.Append(granted(7))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", 64), r.PrevHash)
	assert.Positive(t, r.Seq, "sequence keeps counting")
	_, err = s.Verify()
	assert.NoError(t, err)
}

func TestAck_CompactsAndKeepsChain(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openLog(t, fs, 0)
	for i := range 5 {
		_, err := s.Append(granted(uint64(i)))
		require.NoError(t, err)
	}

	pending, err := s.Pending(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	dropped, err := s.Ack(pending[1].Seq)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 3, s.Usage().Records)

	n, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Reopen: the anchor and sequence survive.
	s2 := openLog(t, fs, 0)
	n, err = s2.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	r, err := s2.Append(granted(9))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), r.Seq)

	dropped, err = s2.Ack(100)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
	_, err = s2.Append(granted(10))
	require.NoError(t, err)
	n, err = s2.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAck_FreesFullLog(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 1024)
	for s.Log(granted(1)) == nil {
	}
	all, err := s.All()
	require.NoError(t, err)
	_, err = s.Ack(all[len(all)-1].Seq)
	require.NoError(t, err)
	assert.False(t, s.Full())
	assert.NoError(t, s.Log(granted(2)))
}

func TestVerify_DetectsTampering(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openLog(t, fs, 0)
	for i := range 3 {
		_, err := s.Append(granted(uint64(0x0100000000000000 + i)))
		require.NoError(t, err)
	}
	path := "/data/log/" + eventlog.FileName
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"code":72057594037927937`, `"code":72057594037927999`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, afero.WriteFile(fs, path, []byte(tampered), 0o644))

	n, err := s.Verify()
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "record 1")
}

func TestOpen_RestoresFullFlag(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openLog(t, fs, 1024)
	for s.Log(granted(1)) == nil {
	}
	s2 := openLog(t, fs, 1024)
	assert.True(t, s2.Full())
}

func TestOpen_AckedLogStaysOpenAfterReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openLog(t, fs, 2048)
	for s.Log(granted(1)) == nil {
	}
	require.True(t, s.Full())
	recs, err := s.All()
	require.NoError(t, err)

	_, err = s.Ack(recs[len(recs)/2].Seq)
	require.NoError(t, err)
	require.False(t, s.Full())
	_, err = s.Append(granted(2))
	require.NoError(t, err)

	kept, err := s.All()
	require.NoError(t, err)
	hasMarker := false
	for _, r := range kept {
		hasMarker = hasMarker || r.Kind == model.EventLogStorageFull
	}
	require.True(t, hasMarker, "the marker is still waiting to be sent")

	s2 := openLog(t, fs, 2048)
	assert.False(t, s2.Full())
	assert.NoError(t, s2.Log(granted(3)))
}

func TestOpen_ClearedLogStaysOpenAfterReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openLog(t, fs, 1024)
	for s.Log(granted(1)) == nil {
	}
	require.NoError(t, s.Clear())

	s2 := openLog(t, fs, 1024)
	assert.False(t, s2.Full())
}

func TestDatabaseUpdated(t *testing.T) {
	s := openLog(t, afero.NewMemMapFs(), 0)
	s.DatabaseUpdated(42)
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.EventDatabaseUpdated, all[0].Kind)
	assert.Equal(t, "42", all[0].Details[model.DetailRecordsCommitted])
}

func TestOpen_CapacityTooSmall(t *testing.T) {
	_, err := eventlog.Open(afero.NewMemMapFs(), "/log", 100, nil, nil)
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}
