package version

// VersionsInfo describes the versions the gateway serves.
type VersionsInfo struct {
	Current    string              `json:"current"`
	Default    string              `json:"default,omitempty"`
	Supported  []string            `json:"supported"`
	Deprecated []string            `json:"deprecated"`
	Sunset     map[string]string   `json:"sunset,omitempty"`
	Changelog  map[string][]string `json:"changelog,omitempty"`
}

// AllVersionsInfo returns the version metadata.
func (v *Resolver) AllVersionsInfo() VersionsInfo {
	info := VersionsInfo{
		Current:    v.currentVersion,
		Default:    v.defaultVersion,
		Supported:  append([]string(nil), v.supported...),
		Deprecated: []string{},
	}
	for _, ver := range v.supported {
		vi := v.versions[ver]
		if vi.deprecated {
			info.Deprecated = append(info.Deprecated, ver)
		}
		if vi.sunset != "" {
			if info.Sunset == nil {
				info.Sunset = make(map[string]string)
			}
			info.Sunset[ver] = vi.sunset
		}
		if len(vi.changelog) > 0 {
			if info.Changelog == nil {
				info.Changelog = make(map[string][]string)
			}
			info.Changelog[ver] = append([]string(nil), vi.changelog...)
		}
	}
	return info
}

// Stats contains per-version request counters.
type Stats struct {
	Requests    map[string]int64 `json:"requests"`
	Rejected    int64            `json:"rejected"`
	Unversioned int64            `json:"unversioned"`
}

// Stats returns the request counters.
func (v *Resolver) Stats() Stats {
	s := Stats{
		Requests:    make(map[string]int64, len(v.versions)),
		Rejected:    v.rejected.Load(),
		Unversioned: v.unversioned.Load(),
	}
	for ver, info := range v.versions {
		s.Requests[ver] = info.requests.Load()
	}
	return s
}
