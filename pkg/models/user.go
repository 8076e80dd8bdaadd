package models

import "hash/fnv"

// User is the already-authenticated identity handed to the engine by
// the surrounding application. The engine never verifies it.
type User struct {
	ID     string `json:"id" cbor:"id"`
	Name   string `json:"name" cbor:"name"`
	Email  string `json:"email" cbor:"email"`
	Avatar string `json:"avatar,omitempty" cbor:"avatar,omitempty"`
	Color  string `json:"color" cbor:"color"`
}

// presencePalette is the set of colors assigned to collaborators.
// Assignment is a stable function of the user id so every peer renders
// the same user in the same color without coordination.
var presencePalette = []string{
	"#e06c75",
	"#d19a66",
	"#e5c07b",
	"#98c379",
	"#56b6c2",
	"#61afef",
	"#c678dd",
	"#be5046",
}

// ColorFor returns the deterministic presence color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}

// WithColor returns a copy of the user with the deterministic color
// filled in, overwriting whatever was supplied.
func (u User) WithColor() User {
	u.Color = ColorFor(u.ID)
	return u
}
