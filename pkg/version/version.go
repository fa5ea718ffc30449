// Package version derives the build identity logged at startup.
package version

import "runtime/debug"

// Full returns "tempo/<short commit>", or "tempo/dev" when the binary was
// built without VCS metadata.
func Full() string {
	return "tempo/" + commit()
}

func commit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 8 {
			return s.Value[:8]
		}
	}
	return "dev"
}
