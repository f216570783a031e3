package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/metrics"
)

// collectSink records every delivered frame.
type collectSink struct {
	mu     sync.Mutex
	frames []string
	fail   error
}

func (s *collectSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *collectSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *collectSink) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return s.snapshot()
}

func TestEncodeFrameWireFormat(t *testing.T) {
	frame, err := EncodeFrame(map[string]interface{}{
		"name": "<script>alert(1)</script>",
		"hp":   100,
	})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"hp\":100,\"name\":\"&lt;script&gt;alert(1)&lt;/script&gt;\"}\n\n", string(frame))
}

func TestEncodeFrameDoesNotEscapeEntities(t *testing.T) {
	frame, err := EncodeFrame("Fire & Ice")
	require.NoError(t, err)
	assert.Equal(t, "data: \"Fire &amp; Ice\"\n\n", string(frame))
}

func TestEncodeFrameNilPayload(t *testing.T) {
	frame, err := EncodeFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, "data: null\n\n", string(frame))
}

func TestEncodeFrameCyclicPayload(t *testing.T) {
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic

	_, err := EncodeFrame(cyclic)
	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.NotNil(t, errors.Unwrap(serErr))
}

func entryWithSeq(combatID string, seq uint64, actor string) combatlog.Entry {
	e := combatlog.NewEntry(combatID, 1, 0, combatlog.ActionTurnStart)
	e.Sequence = seq
	e.ActorName = actor
	return e
}

func TestPublishDeliversSanitizedEntry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)

	e := journal.Append(entryWithSeq("combat-1", 0, "<b>Korgan</b>"))
	require.NoError(t, b.Publish("combat-1", e))

	frames := sink.waitFor(t, 1)
	assert.True(t, strings.HasPrefix(frames[0], "data: "))
	assert.True(t, strings.HasSuffix(frames[0], "\n\n"))
	assert.Contains(t, frames[0], "&lt;b&gt;Korgan&lt;/b&gt;")
	assert.NotContains(t, frames[0], "<b>")
}

func TestSubscribeReplaysCommittedLogFirst(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	for i := 0; i < 3; i++ {
		journal.Append(entryWithSeq("combat-1", 0, fmt.Sprintf("actor-%d", i)))
	}

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)

	frames := sink.waitFor(t, 3)
	for i := 0; i < 3; i++ {
		assert.Contains(t, frames[i], fmt.Sprintf("actor-%d", i))
	}

	// Live entries continue after the replay without duplication.
	e := journal.Append(entryWithSeq("combat-1", 0, "actor-live"))
	require.NoError(t, b.Publish("combat-1", e))

	frames = sink.waitFor(t, 4)
	assert.Len(t, frames, 4)
	assert.Contains(t, frames[3], "actor-live")
}

func TestReplayOverlapIsDeduplicated(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	committed := journal.Append(entryWithSeq("combat-1", 0, "actor-0"))

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)
	// The same committed entry also arrives on the live path, as when a
	// publish races the replay.
	require.NoError(t, b.Publish("combat-1", committed))

	next := journal.Append(entryWithSeq("combat-1", 0, "actor-1"))
	require.NoError(t, b.Publish("combat-1", next))

	frames := sink.waitFor(t, 2)
	assert.Len(t, frames, 2)
	assert.Contains(t, frames[0], "actor-0")
	assert.Contains(t, frames[1], "actor-1")
}

func TestPublishSerializationFailureReturnsError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)

	bad := entryWithSeq("combat-1", 1, "ok")
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic
	bad.Details = &combatlog.Details{Extra: cyclic}

	var serErr *SerializationError
	require.ErrorAs(t, b.Publish("combat-1", bad), &serErr)

	// The stream survives; a good entry still goes through.
	good := journal.Append(entryWithSeq("combat-1", 0, "still-alive"))
	require.NoError(t, b.Publish("combat-1", good))
	frames := sink.waitFor(t, 1)
	assert.Contains(t, frames[len(frames)-1], "still-alive")
}

func TestFailingSinkIsDetachedOthersUnaffected(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	healthy := &collectSink{}
	broken := &collectSink{fail: errors.New("connection reset")}
	b.Subscribe("combat-1", healthy)
	b.Subscribe("combat-1", broken)
	require.Equal(t, 2, b.SubscriberCount("combat-1"))

	e := journal.Append(entryWithSeq("combat-1", 0, "actor-0"))
	require.NoError(t, b.Publish("combat-1", e))

	healthy.waitFor(t, 1)
	require.Eventually(t, func() bool {
		return b.SubscriberCount("combat-1") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, broken.snapshot())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)
	b.Unsubscribe("combat-1", sink)
	b.Unsubscribe("combat-1", sink)
	b.Unsubscribe("other", sink)

	assert.Equal(t, 0, b.SubscriberCount("combat-1"))
}

func TestResubscribeKeepsSubscriberGaugeStable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	m := metrics.New()
	b := New(journal, 8, m, logger)

	sink := &collectSink{}
	b.Subscribe("combat-1", sink)
	b.Subscribe("combat-1", sink)
	b.Subscribe("combat-1", sink)

	assert.Equal(t, 1, b.SubscriberCount("combat-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersActive))

	b.Unsubscribe("combat-1", sink)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SubscribersActive))
}

func TestCloseAllDetachesEverySubscriber(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	b.Subscribe("combat-1", &collectSink{})
	b.Subscribe("combat-2", &collectSink{})
	b.CloseAll()

	assert.Equal(t, 0, b.SubscriberCount("combat-1"))
	assert.Equal(t, 0, b.SubscriberCount("combat-2"))
}

func TestSubscribersOfOtherCombatsSeeNothing(t *testing.T) {
	logger := zaptest.NewLogger(t)
	journal := combatlog.NewJournal(logger)
	b := New(journal, 8, nil, logger)

	other := &collectSink{}
	b.Subscribe("combat-2", other)

	e := journal.Append(entryWithSeq("combat-1", 0, "actor-0"))
	require.NoError(t, b.Publish("combat-1", e))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, other.snapshot())
}
