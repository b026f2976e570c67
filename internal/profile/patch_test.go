package profile

import (
	"reflect"
	"testing"
)

func TestPatchApply(t *testing.T) {
	morning := "08:30"
	prof := Profile{
		Timezone:                "UTC",
		QuietMode:               QuietOff,
		HeartbeatMorning:        &morning,
		HeartbeatCadenceMinutes: 240,
	}

	tz := "Europe/Berlin"
	cadence := int64(120)
	clear := ""
	evening := "21:00"
	changed := Patch{
		Timezone:                &tz,
		HeartbeatMorning:        &clear,
		HeartbeatEvening:        &evening,
		HeartbeatCadenceMinutes: &cadence,
	}.Apply(&prof)

	want := []string{"timezone", "heartbeatCadenceMinutes", "heartbeatMorning", "heartbeatEvening"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if prof.Timezone != "Europe/Berlin" || prof.HeartbeatCadenceMinutes != 120 {
		t.Fatalf("patch not applied: %#v", prof)
	}
	if prof.HeartbeatMorning != nil {
		t.Fatal("empty string must clear the field")
	}
	if prof.HeartbeatEvening == nil || *prof.HeartbeatEvening != "21:00" {
		t.Fatalf("evening = %#v", prof.HeartbeatEvening)
	}
}

func TestPatchApplyNoChanges(t *testing.T) {
	prof := Profile{Timezone: "UTC", QuietMode: QuietOff, HeartbeatCadenceMinutes: 240}
	tz := "UTC"
	if changed := (Patch{Timezone: &tz}).Apply(&prof); len(changed) != 0 {
		t.Fatalf("expected no changes, got %v", changed)
	}
}
