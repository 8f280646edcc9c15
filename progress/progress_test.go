package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestAggregatorTracksCompletion(t *testing.T) {
	var buf bytes.Buffer
	a := NewAggregator(&buf)
	a.AddRow("boot", 2)
	a.AddRow("vendor_boot", 1)
	a.Start()

	a.Advance("boot")
	a.Advance("boot")
	a.Advance("vendor_boot")

	boot := a.byName["boot"]
	if boot.state != Done {
		t.Fatalf("boot state = %v, want Done", boot.state)
	}
	vendor := a.byName["vendor_boot"]
	if vendor.completedOps != 1 || vendor.state != Done {
		t.Fatalf("vendor_boot = %+v, want completed and done", vendor)
	}

	if !strings.Contains(buf.String(), "boot") {
		t.Fatal("expected rendered output to mention partition name")
	}
}

func TestWarnDoesNotRegressCompletedCount(t *testing.T) {
	var buf bytes.Buffer
	a := NewAggregator(&buf)
	a.AddRow("system", 3)
	a.Start()

	a.Advance("system")
	a.Warn("system", "unsupported operation type: BSDIFF")

	r := a.byName["system"]
	if r.state != Warning {
		t.Fatalf("state = %v, want Warning", r.state)
	}
	if r.completedOps != 1 {
		t.Fatalf("completedOps = %d, want 1", r.completedOps)
	}
}

func TestRenderRowTruncatesLongNames(t *testing.T) {
	r := &row{name: "this_is_a_very_long_partition_name_indeed", totalOps: 4, completedOps: 2}
	line := renderRow(r, 70)
	if strings.Contains(line, "this_is_a_very_long_partition_name_indeed") {
		t.Fatal("expected name to be truncated for a narrow terminal")
	}
}

func TestRenderRowWidthBucketsMatchIndependentThresholds(t *testing.T) {
	cases := []struct {
		termWidth              int
		wantBar, wantNameWidth int
	}{
		{50, 10, 12},
		{70, 20, 12},
		{90, 30, 15},
		{120, 30, 20},
	}
	name := "abcdefghijklmnopqrstuvwxyz"
	for _, c := range cases {
		r := &row{name: name, totalOps: 1}
		line := renderRow(r, c.termWidth)
		open := strings.IndexByte(line, '[')
		namePart := line[:open]
		if len(namePart)-1 != c.wantNameWidth {
			t.Fatalf("termWidth=%d: name column width = %d, want %d", c.termWidth, len(namePart)-1, c.wantNameWidth)
		}
		close := strings.IndexByte(line, ']')
		barPart := line[open+1 : close]
		if len(barPart) != c.wantBar {
			t.Fatalf("termWidth=%d: bar width = %d, want %d", c.termWidth, len(barPart), c.wantBar)
		}
	}
}
