package scheduler

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSuffix(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                      "unknown",
		"job":                   "job",
		"a.b":                   "a.b",
		"a.b.":                  "a.b",
		"a.b.c":                 "a.b.c",
		"asd.bas.cdf.d.ex.1":    "abcd.ex.1",
		"a.b.c.d.e...f....1...": "abcdef..1",
		"clusterjobs.job.1234":  "c.job.1234",
		"Registered Service.42": "Registered Service.42",
		"über.jobs.nightly.run": "üj.nightly.run",
		"...":                   "unknown",
		".":                     "unknown",
	}
	for in, want := range cases {
		got := MetricsSuffix(in)
		assert.Equal(t, want, got, "input %q", in)
		assert.True(t, utf8.ValidString(got), "input %q", in)
	}
	assert.Equal(t, "_.b.c", MetricsSuffix("\xff.b.c"))
}

type baseTask struct{}

func (baseTask) Run() {}

type reportTask struct {
	baseTask
}

type lineage struct{}

func (lineage) Run() {}
func (lineage) TypeAncestry() []string {
	return []string{"com.acme.Child", "org.apache.sling.Parent"}
}

func TestTypeAncestry(t *testing.T) {
	t.Parallel()

	names := TypeAncestry(&reportTask{})
	assert.Equal(t, []string{
		"clusterjobs.internal.scheduler.reportTask",
		"clusterjobs.internal.scheduler.baseTask",
	}, names)

	assert.Equal(t, []string{"com.acme.Child", "org.apache.sling.Parent"}, TypeAncestry(lineage{}))
}

func TestDeriveFilterName(t *testing.T) {
	t.Parallel()

	holder := NewConfigHolder([]FilterRule{
		{Label: "internal", Prefix: "clusterjobs.internal"},
		{Label: "sched", Prefix: "clusterjobs.internal.scheduler"},
		{Label: "sched-dup", Prefix: "clusterjobs.internal.scheduler"},
		{Label: "base", Prefix: "clusterjobs.internal.scheduler.baseTask"},
		{Label: "sling", Prefix: "org.apache.sling"},
		{Label: "", Prefix: "ignored"},
	})

	assert.Equal(t, "sched", DeriveFilterName(holder, &reportTask{}), "longest prefix wins, first of equals")
	assert.Equal(t, "sling", DeriveFilterName(holder, lineage{}), "ancestry override is walked in order")

	only := NewConfigHolder([]FilterRule{{Label: "base", Prefix: "clusterjobs.internal.scheduler.baseTask"}})
	assert.Equal(t, "base", DeriveFilterName(only, reportTask{}), "embedded type matches when self does not")

	assert.Equal(t, "", DeriveFilterName(nil, reportTask{}))
	assert.Equal(t, "", DeriveFilterName(NewConfigHolder(nil), reportTask{}))
	assert.Equal(t, "", DeriveFilterName(holder, nil))
	assert.Equal(t, "", DeriveFilterName(NewConfigHolder([]FilterRule{{Label: "x", Prefix: "com.other"}}), reportTask{}))

	assert.Equal(t, []string{"internal", "sched", "sched-dup", "base", "sling"}, holder.Labels())
	assert.Len(t, holder.Rules(), 5)
}
