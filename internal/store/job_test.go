package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func specFixture() Spec {
	return Spec{
		RepoOwner:      "octocat",
		RepoName:       "hello-world",
		InstallationID: 4242,
		IssueNumber:    17,
		Requester:      "alice",
		GoodSHA:        "a1b2c3d",
		BadSHA:         "d4e5f6a",
		TestCommand:    "make test",
	}
}

func TestDedupKeyStableWithinWindow(t *testing.T) {
	spec := specFixture()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, spec.DedupKey(base), spec.DedupKey(base.Add(5*time.Second)),
		"replay inside the window must map to the same key")
}

func TestDedupKeyChangesAcrossWindows(t *testing.T) {
	spec := specFixture()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.NotEqual(t, spec.DedupKey(base), spec.DedupKey(base.Add(2*dedupWindow)),
		"a later delivery must map to a fresh key")
}

func TestDedupKeyVariesByIdentifyingTuple(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := specFixture()

	variants := []func(*Spec){
		func(s *Spec) { s.InstallationID = 9999 },
		func(s *Spec) { s.IssueNumber = 18 },
		func(s *Spec) { s.GoodSHA = "0000000" },
		func(s *Spec) { s.BadSHA = "1111111" },
		func(s *Spec) { s.TestCommand = "make check" },
		func(s *Spec) { s.Requester = "bob" },
	}

	for i, mutate := range variants {
		other := specFixture()
		mutate(&other)
		assert.NotEqualf(t, base.DedupKey(now), other.DedupKey(now),
			"variant %d should produce a distinct dedup key", i)
	}
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "j.id, j.status", prefixed("j", "id, status"))
	assert.Equal(t, "j.id, j.status", prefixed("j", "id,\n\tstatus"))
}

func TestOutcomeConstructors(t *testing.T) {
	completed := Completed("deadbeef", "log")
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "deadbeef", completed.CulpritSHA)

	failed := Failed("endpoints inconsistent", "")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "endpoints inconsistent", failed.ErrorMessage)

	cancelled := Cancelled("")
	assert.Equal(t, StatusCancelled, cancelled.Status)
}
