package dataplane

import (
	"regexp"
	"strings"
)

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	intSegment  = regexp.MustCompile(`^\d+$`)
)

// EndpointTemplate collapses UUID and numeric path segments to {id} so
// breakers and metrics aggregate per endpoint instead of per entity.
//
//	/api/users/42/secretary -> /api/users/{id}/secretary
//	/api/reminders/9f0c...  -> /api/reminders/{id}
func EndpointTemplate(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if uuidSegment.MatchString(seg) || intSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
