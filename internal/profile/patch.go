package profile

// Patch is a partial profile update. Nil fields are untouched; an empty
// string on a nullable time field clears it.
type Patch struct {
	Timezone                *string `json:"timezone,omitempty"`
	QuietHoursStart         *string `json:"quietHoursStart,omitempty"`
	QuietHoursEnd           *string `json:"quietHoursEnd,omitempty"`
	QuietMode               *string `json:"quietMode,omitempty"`
	MuteUntil               *int64  `json:"muteUntil,omitempty"`
	HeartbeatMorning        *string `json:"heartbeatMorning,omitempty"`
	HeartbeatMidday         *string `json:"heartbeatMidday,omitempty"`
	HeartbeatEvening        *string `json:"heartbeatEvening,omitempty"`
	HeartbeatCadenceMinutes *int64  `json:"heartbeatCadenceMinutes,omitempty"`
	HeartbeatOnlyIfSignal   *bool   `json:"heartbeatOnlyIfSignal,omitempty"`
}

// Apply merges the patch into prof and returns the names of changed fields.
// The result is not validated; callers run it through Update.
func (p Patch) Apply(prof *Profile) []string {
	var changed []string

	if p.Timezone != nil && *p.Timezone != prof.Timezone {
		prof.Timezone = *p.Timezone
		changed = append(changed, "timezone")
	}
	if p.QuietMode != nil && *p.QuietMode != prof.QuietMode {
		prof.QuietMode = *p.QuietMode
		changed = append(changed, "quietMode")
	}
	if p.MuteUntil != nil {
		if prof.MuteUntil == nil || *prof.MuteUntil != *p.MuteUntil {
			v := *p.MuteUntil
			prof.MuteUntil = &v
			changed = append(changed, "muteUntil")
		}
	}
	if p.HeartbeatCadenceMinutes != nil && *p.HeartbeatCadenceMinutes != prof.HeartbeatCadenceMinutes {
		prof.HeartbeatCadenceMinutes = *p.HeartbeatCadenceMinutes
		changed = append(changed, "heartbeatCadenceMinutes")
	}
	if p.HeartbeatOnlyIfSignal != nil && *p.HeartbeatOnlyIfSignal != prof.HeartbeatOnlyIfSignal {
		prof.HeartbeatOnlyIfSignal = *p.HeartbeatOnlyIfSignal
		changed = append(changed, "heartbeatOnlyIfSignal")
	}

	for _, f := range []struct {
		name  string
		patch *string
		field **string
	}{
		{"quietHoursStart", p.QuietHoursStart, &prof.QuietHoursStart},
		{"quietHoursEnd", p.QuietHoursEnd, &prof.QuietHoursEnd},
		{"heartbeatMorning", p.HeartbeatMorning, &prof.HeartbeatMorning},
		{"heartbeatMidday", p.HeartbeatMidday, &prof.HeartbeatMidday},
		{"heartbeatEvening", p.HeartbeatEvening, &prof.HeartbeatEvening},
	} {
		if f.patch == nil {
			continue
		}
		if *f.patch == "" {
			if *f.field != nil {
				*f.field = nil
				changed = append(changed, f.name)
			}
			continue
		}
		if *f.field == nil || **f.field != *f.patch {
			v := *f.patch
			*f.field = &v
			changed = append(changed, f.name)
		}
	}

	return changed
}
