package detect

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authsentry/authsentry/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func failureEvent(ip, user, ts string) model.NormalizedEvent {
	return model.NormalizedEvent{
		Timestamp: ts,
		SourceIP:  ip,
		Username:  user,
		EventType: "login_attempt",
		Result:    model.ResultFailure,
		Source:    "auth_service",
	}
}

// bruteForceBatch builds n failures from one IP against one user, one
// second apart starting at 05:00:00.
func bruteForceBatch(ip, user string, n int) []model.NormalizedEvent {
	events := make([]model.NormalizedEvent, n)
	for i := 0; i < n; i++ {
		events[i] = failureEvent(ip, user, fmt.Sprintf("2025-06-01T05:00:%02dZ", i))
	}
	return events
}

func TestBruteForceThreshold(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 5))
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, model.TypeBruteForce, inc.Type)
	assert.Equal(t, model.SeverityLow, inc.Severity)
	assert.Equal(t, 70, inc.Confidence)
	assert.Equal(t, 5, inc.Evidence.Counts.Failures)
	assert.Equal(t, "T1110", inc.Mitre.Technique)
	assert.Equal(t, "203.0.113.10", inc.Subject.SourceIP)
	assert.Equal(t, "alice", inc.Subject.Username)
	assert.Equal(t, "2025-06-01T05:00:00Z", inc.Evidence.WindowStart)
	assert.Equal(t, "2025-06-01T05:00:04Z", inc.Evidence.WindowEnd)
	assert.Equal(t, model.StatusOpen, inc.Status)
	assert.Len(t, inc.RecommendedActions, 4)
}

func TestBruteForceBelowThreshold(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 4))
	assert.Empty(t, incidents)
}

func TestBruteForceSeverityEscalation(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 20))
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, 95, inc.Confidence)
	assert.Equal(t, 20, inc.Evidence.Counts.Failures)
}

func TestBruteForceMediumSeverity(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 10))
	require.Len(t, incidents, 1)
	assert.Equal(t, model.SeverityMedium, incidents[0].Severity)
	assert.Equal(t, 85, incidents[0].Confidence)
}

func TestPasswordSpraying(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// 10 failures from one IP across 6 distinct usernames within 60s.
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u1", "u2", "u3", "u4"}
	events := make([]model.NormalizedEvent, len(users))
	for i, user := range users {
		events[i] = failureEvent("198.51.100.4", user, fmt.Sprintf("2025-06-01T05:00:%02dZ", i))
	}

	incidents := d.Detect(events)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, model.TypeCredentialAbuse, inc.Type)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, 90, inc.Confidence)
	assert.Equal(t, 10, inc.Evidence.Counts.Failures)
	assert.Equal(t, 6, inc.Evidence.Counts.DistinctUsers)
	assert.Equal(t, "T1110.003", inc.Mitre.Technique)
	assert.Empty(t, inc.Subject.Username)
}

func TestPasswordSprayingCriticalAboveFifteenUsers(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	events := make([]model.NormalizedEvent, 16)
	for i := range events {
		events[i] = failureEvent("198.51.100.4", fmt.Sprintf("user%02d", i), fmt.Sprintf("2025-06-01T05:00:%02dZ", i))
	}

	incidents := d.Detect(events)
	require.Len(t, incidents, 1)
	assert.Equal(t, model.SeverityCritical, incidents[0].Severity)
	assert.Equal(t, 16, incidents[0].Evidence.Counts.DistinctUsers)
}

func TestSuccessesDoNotFeedWindows(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	events := bruteForceBatch("203.0.113.10", "alice", 4)
	ok := failureEvent("203.0.113.10", "alice", "2025-06-01T05:00:04Z")
	ok.Result = model.ResultSuccess
	events = append(events, ok)

	assert.Empty(t, d.Detect(events))
}

func TestWindowEviction(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// Four failures, a >60s gap, then four more: neither cluster crosses
	// the threshold on its own.
	var events []model.NormalizedEvent
	for i := 0; i < 4; i++ {
		events = append(events, failureEvent("203.0.113.10", "alice", fmt.Sprintf("2025-06-01T05:00:%02dZ", i)))
	}
	for i := 0; i < 4; i++ {
		events = append(events, failureEvent("203.0.113.10", "alice", fmt.Sprintf("2025-06-01T05:02:%02dZ", i)))
	}

	assert.Empty(t, d.Detect(events))
}

func TestOneIncidentPerCluster(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// A single cluster of 12 failures crosses the threshold 8 times but
	// must produce exactly one incident spanning the whole cluster.
	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 12))
	require.Len(t, incidents, 1)
	assert.Equal(t, 12, incidents[0].Evidence.Counts.Failures)
	assert.Equal(t, "2025-06-01T05:00:11Z", incidents[0].Evidence.WindowEnd)
}

func TestGoldenIncidentIdentity(t *testing.T) {
	// The canonical seed encoding is a cross-version contract; these
	// values must never change for the same evidence.
	bfSeed := BruteForceSeed("203.0.113.10", "alice", "2025-06-01T05:00:00Z", "2025-06-01T05:00:04Z", 5)
	assert.Equal(t, "brute_force|203.0.113.10|alice|2025-06-01T05:00:00Z|2025-06-01T05:00:04Z|5", bfSeed)
	assert.Equal(t, "inc_35fcb4caf964f72b176e8e12", IncidentID(bfSeed))

	caSeed := CredAbuseSeed("198.51.100.4", "2025-06-01T05:00:00Z", "2025-06-01T05:00:09Z", 10, 6)
	assert.Equal(t, "cred_abuse|198.51.100.4|2025-06-01T05:00:00Z|2025-06-01T05:00:09Z|10|6", caSeed)
	assert.Equal(t, "inc_ae60e3a8bd5374b417bfaf2b", IncidentID(caSeed))
}

func TestDetectedIdentityMatchesSeed(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 5))
	require.Len(t, incidents, 1)
	assert.Equal(t, "inc_35fcb4caf964f72b176e8e12", incidents[0].IncidentID)
}

func TestDetectionIsOrderInsensitive(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	var events []model.NormalizedEvent
	events = append(events, bruteForceBatch("203.0.113.10", "alice", 7)...)
	for i, user := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u1", "u2", "u3"} {
		events = append(events, failureEvent("198.51.100.4", user, fmt.Sprintf("2025-06-01T05:00:%02dZ", i+10)))
	}

	baseline := d.Detect(events)
	require.NotEmpty(t, baseline)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]model.NormalizedEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		again := d.Detect(shuffled)
		require.True(t, reflect.DeepEqual(baseline, again), "detection output changed under input shuffle (trial %d)", trial)
	}
}

func TestIndependentGroupingKeys(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// Two IPs attacking the same user are independent brute-force
	// windows. The groups are deliberately offset in time so each
	// incident's bounds must come from its own key's events.
	var events []model.NormalizedEvent
	events = append(events, bruteForceBatch("203.0.113.10", "alice", 5)...)
	for i := 0; i < 5; i++ {
		events = append(events, failureEvent("203.0.113.11", "alice", fmt.Sprintf("2025-06-01T05:00:%02dZ", 20+i)))
	}

	incidents := d.Detect(events)
	require.Len(t, incidents, 2)
	bounds := map[string][2]string{}
	for _, inc := range incidents {
		assert.Equal(t, model.TypeBruteForce, inc.Type)
		bounds[inc.Subject.SourceIP] = [2]string{inc.Evidence.WindowStart, inc.Evidence.WindowEnd}
	}
	assert.Equal(t, [2]string{"2025-06-01T05:00:00Z", "2025-06-01T05:00:04Z"}, bounds["203.0.113.10"])
	assert.Equal(t, [2]string{"2025-06-01T05:00:20Z", "2025-06-01T05:00:24Z"}, bounds["203.0.113.11"])
}

func TestWindowBoundsIsolatedPerGroupingKey(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// Alice's cluster completes at :04; a later failure for an
	// unrelated, never-qualifying pair lands inside the same 60s span.
	// Alice's window bounds, and therefore her content-addressed
	// identity, must not absorb the foreign event.
	events := bruteForceBatch("203.0.113.10", "alice", 5)
	events = append(events, failureEvent("9.9.9.9", "bob", "2025-06-01T05:00:10Z"))

	incidents := d.Detect(events)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, "2025-06-01T05:00:00Z", inc.Evidence.WindowStart)
	assert.Equal(t, "2025-06-01T05:00:04Z", inc.Evidence.WindowEnd)
	assert.Equal(t, "inc_35fcb4caf964f72b176e8e12", inc.IncidentID,
		"identity must match the golden hash for alice's own window")
	assert.Equal(t, 5, inc.Evidence.Counts.Failures)
	for _, ev := range inc.Evidence.Events {
		assert.Equal(t, "alice", ev.Username)
	}
	assert.NotContains(t, inc.Evidence.AffectedEntities, "bob")
	assert.NotContains(t, inc.Summary, "05:00:10")
}

func TestSprayWindowBoundsIsolatedPerIP(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	// The spray cluster from 198.51.100.4 ends at :09; trailing noise
	// from other IPs inside the same 60s span must not stretch it.
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u1", "u2", "u3", "u4"}
	events := make([]model.NormalizedEvent, 0, len(users)+2)
	for i, user := range users {
		events = append(events, failureEvent("198.51.100.4", user, fmt.Sprintf("2025-06-01T05:00:%02dZ", i)))
	}
	events = append(events, failureEvent("9.9.9.9", "bob", "2025-06-01T05:00:12Z"))
	events = append(events, failureEvent("9.9.9.8", "carol", "2025-06-01T05:00:14Z"))

	incidents := d.Detect(events)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, model.TypeCredentialAbuse, inc.Type)
	assert.Equal(t, "2025-06-01T05:00:00Z", inc.Evidence.WindowStart)
	assert.Equal(t, "2025-06-01T05:00:09Z", inc.Evidence.WindowEnd)
	assert.Equal(t, "inc_ae60e3a8bd5374b417bfaf2b", inc.IncidentID,
		"identity must match the golden hash for the spray IP's own window")
	assert.Equal(t, 10, inc.Evidence.Counts.Failures)
	assert.Equal(t, 6, inc.Evidence.Counts.DistinctUsers)
}

func TestCustomThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BruteForceFailures = 3
	d := New(cfg, testLogger())

	incidents := d.Detect(bruteForceBatch("203.0.113.10", "alice", 3))
	require.Len(t, incidents, 1)
	assert.Equal(t, 3, incidents[0].Evidence.Counts.Failures)
	assert.Equal(t, 3, incidents[0].Explanation.Threshold)
}

func TestSummaryIsDeterministic(t *testing.T) {
	d := New(DefaultConfig(), testLogger())

	first := d.Detect(bruteForceBatch("203.0.113.10", "alice", 5))
	second := d.Detect(bruteForceBatch("203.0.113.10", "alice", 5))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Summary, second[0].Summary)
	assert.Contains(t, first[0].Summary, "5 failed login attempts")
	assert.Contains(t, first[0].Summary, "alice")
	assert.Contains(t, first[0].Summary, "203.0.113.10")
}
