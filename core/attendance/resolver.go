package attendance

// Resolve reconciles a locally edited record against the latest stored record
// for the same key. local.Version is the version the writer started editing from.
//
// When nobody wrote since, local wins whole and its version is bumped.
// Otherwise hours are merged one by one: an hour present on one side only is kept,
// an hour present on both sides keeps the entry with the strictly later time
// (ties keep local). The merged record gets remote.Version + 1.
//
// A missing remote is passed as the zero Record (version 0, no hours).
func Resolve(local, remote Record) Record {
	if remote.Version <= local.Version {
		out := local.Clone()
		if out.ID == "" {
			out.ID = remote.ID
		}
		out.Version = local.Version + 1
		return out
	}

	out := local.Clone()
	if out.ID == "" {
		out.ID = remote.ID
	}
	if out.SelectedSlots == nil && remote.SelectedSlots != nil {
		out.SelectedSlots = append([]int(nil), remote.SelectedSlots...)
	}
	for _, re := range remote.HourlyStatus {
		le, ok := out.Hour(re.Hour)
		if !ok || laterThan(re, le) {
			out.SetHour(re)
		}
	}
	out.Version = remote.Version + 1
	return out
}

// laterThan reports whether a was stamped strictly after b. A missing time is the zero time.
func laterThan(a, b HourEntry) bool {
	return a.Time.Time.After(b.Time.Time)
}
