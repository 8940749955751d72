package influx

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/fpgaproxy/internal/messaging"
)

type fakeWriteAPI struct {
	points  []*write.Point
	flushes int
}

func (f *fakeWriteAPI) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriteAPI) Flush()                    { f.flushes++ }

func newTestClient() (*Client, *fakeWriteAPI) {
	w := &fakeWriteAPI{}
	return &Client{writeAPI: w, worker: "bc1q.rig", bucket: "mining", org: "home"}, w
}

func tagsOf(p *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, t := range p.TagList() {
		tags[t.Key] = t.Value
	}
	return tags
}

func fieldsOf(p *write.Point) map[string]any {
	fields := make(map[string]any)
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func TestWriteHashrateMetric(t *testing.T) {
	c, w := newTestClient()
	at := time.Date(2024, 7, 25, 12, 0, 0, 0, time.UTC)
	c.WriteHashrateMetric(messaging.HashrateMessage{
		JobID:       "4f",
		Found:       true,
		Hashes:      48880,
		ElapsedMs:   2000,
		Rate:        24440,
		TotalHashes: 48880,
		AverageRate: 4888,
		ReportedAt:  at,
	})

	if len(w.points) != 1 {
		t.Fatalf("points = %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementHashrate || !p.Time().Equal(at) {
		t.Errorf("point %s at %v", p.Name(), p.Time())
	}
	if tags := tagsOf(p); tags["worker"] != "bc1q.rig" {
		t.Errorf("tags = %v", tags)
	}
	fields := fieldsOf(p)
	if fields["hashrate"] != float64(24440) || fields["job_id"] != "4f" || fields["hashes"] != uint64(48880) {
		t.Errorf("fields = %v", fields)
	}
}

func TestWriteShareResultMetric(t *testing.T) {
	c, w := newTestClient()
	c.WriteShareResultMetric(messaging.ShareResultMessage{SubmitID: 3, JobID: "4f", Accepted: true})
	c.WriteShareResultMetric(messaging.ShareResultMessage{
		SubmitID:  4,
		JobID:     "4f",
		ErrorCode: 23,
		Reason:    "Low difficulty share",
	})

	if len(w.points) != 2 {
		t.Fatalf("points = %d", len(w.points))
	}
	accepted, rejected := w.points[0], w.points[1]
	if tagsOf(accepted)["accepted"] != "true" || tagsOf(rejected)["accepted"] != "false" {
		t.Error("accepted tag not set")
	}
	if _, ok := fieldsOf(accepted)["reason"]; ok {
		t.Error("accepted share carries a reason")
	}
	fields := fieldsOf(rejected)
	if fields["reason"] != "Low difficulty share" || fields["error_code"] != int64(23) {
		t.Errorf("rejected fields = %v", fields)
	}
}

func TestWriteJobShareAndStatusMetrics(t *testing.T) {
	c, w := newTestClient()
	c.WriteJobMetric(messaging.JobMessage{JobID: "4f", TargetSource: "nbits", CleanJobs: true, NBits: "1703a30c"})
	c.WriteShareMetric(messaging.ShareMessage{SubmitID: 3, JobID: "4f", Nonce: "00000000", Placeholder: true})
	c.WriteStatusMetric(messaging.StatusMessage{Connected: true, SharesAccepted: 2})

	want := []string{MeasurementJobs, MeasurementShares, MeasurementStatus}
	if len(w.points) != len(want) {
		t.Fatalf("points = %d", len(w.points))
	}
	for i, name := range want {
		if w.points[i].Name() != name {
			t.Errorf("point %d = %s, want %s", i, w.points[i].Name(), name)
		}
	}
	if tags := tagsOf(w.points[0]); tags["target_source"] != "nbits" || tags["clean_jobs"] != "true" {
		t.Errorf("job tags = %v", tags)
	}
	if tags := tagsOf(w.points[1]); tags["placeholder"] != "true" {
		t.Errorf("share tags = %v", tags)
	}
	if fields := fieldsOf(w.points[2]); fields["connected"] != true || fields["shares_accepted"] != uint64(2) {
		t.Errorf("status fields = %v", fields)
	}

	c.Close()
	if w.flushes != 1 {
		t.Errorf("flushes = %d", w.flushes)
	}
}
