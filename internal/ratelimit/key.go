package ratelimit

import "strings"

// DefaultNamespace prefixes every bucket key unless configured otherwise.
const DefaultNamespace = "rate"

var braceReplacer = strings.NewReplacer("{", "(", "}", ")")

// BucketKey builds the storage key for one (route, identity) bucket:
//
//	<namespace>:{<route>}:<identity>
//
// The route is wrapped in a Redis Cluster hash tag so all buckets of a
// route land on one slot. Braces inside the route are replaced so the tag
// stays well formed.
func BucketKey(namespace, route, id string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var b strings.Builder
	b.Grow(len(namespace) + len(route) + len(id) + 4)
	b.WriteString(namespace)
	b.WriteString(":{")
	b.WriteString(braceReplacer.Replace(route))
	b.WriteString("}:")
	b.WriteString(id)
	return b.String()
}
