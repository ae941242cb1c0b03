// Package sweeper reclaims managed storage. Each sweep cycle scans the
// artifact inventory, evaluates artifacts by age, digest duplication, and
// session liveness, then reclaims candidates and relieves disk pressure by
// evicting the oldest artifacts first.
package sweeper
