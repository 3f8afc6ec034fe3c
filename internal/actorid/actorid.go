// Package actorid formats and parses the "{hostId}:{generation}" actor id
// fixed by spec.md §6.
package actorid

import (
	"strconv"
	"strings"

	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
)

// Malformed is returned when a string is not a well-formed actor id: not
// exactly one ':' or a non-numeric generation suffix.
var Malformed = &rkerr.Error{
	Group:   "actor",
	Code:    "malformed_id",
	Message: "malformed actor id",
	Public:  true,
	Class:   rkerr.PermanentPayload,
}

// Build formats a host id and generation into the canonical actor id
// string. Build(Parse(s)) == s for any well-formed s.
func Build(hostID string, generation int64) string {
	var b strings.Builder
	b.Grow(len(hostID) + 1 + 20)
	b.WriteString(hostID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(generation, 10))
	return b.String()
}

// Parse splits an actor id into its host id and generation. It rejects any
// string that does not contain exactly one ':' or whose suffix is not a
// base-10 non-negative integer. Parse(Build(h,g)) == (h,g).
func Parse(actorID string) (hostID string, generation int64, err error) {
	idx := strings.LastIndexByte(actorID, ':')
	if idx < 0 || idx == 0 || idx == len(actorID)-1 {
		return "", 0, Malformed
	}
	if strings.IndexByte(actorID[:idx], ':') >= 0 {
		return "", 0, Malformed
	}
	hostID = actorID[:idx]
	genStr := actorID[idx+1:]
	gen, convErr := strconv.ParseInt(genStr, 10, 64)
	if convErr != nil || gen < 0 {
		return "", 0, Malformed
	}
	// Reject non-canonical forms such as leading zeros ("00") or a leading
	// '+' that strconv would otherwise accept, to keep Build/Parse a true
	// round trip in both directions.
	if genStr != strconv.FormatInt(gen, 10) {
		return "", 0, Malformed
	}
	return hostID, gen, nil
}
