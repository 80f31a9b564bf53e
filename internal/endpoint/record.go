package endpoint

// Record is one durable regional endpoint entry as stored in the
// endpoints file. Records are immutable except for NextAvailableTime,
// which moves forward when a region is disabled after failures.
type Record struct {
	Region              string `json:"region"`
	Primary             bool   `json:"primary"`
	NextAvailableTime   int64  `json:"next_available_time"`
	RegionProfilePrefix string `json:"region_profile_prefix,omitempty"`
}

// Snapshot is an ordered copy of the durable endpoint list read at
// session start. It is owned by one engine session and never mutated
// in place; disable updates are produced as a separate record slice.
type Snapshot []Record

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Regions returns the region identifiers in snapshot order.
func (s Snapshot) Regions() []string {
	regions := make([]string, 0, len(s))
	for _, r := range s {
		regions = append(regions, r.Region)
	}
	return regions
}

// ProfilePrefix returns the cross-region inference profile prefix for
// the given region, or "" when the region is unknown or carries none.
func (s Snapshot) ProfilePrefix(region string) string {
	for _, r := range s {
		if r.Region == region {
			return r.RegionProfilePrefix
		}
	}
	return ""
}
