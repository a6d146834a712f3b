// Package rpc implements the peer client: the one-shot, bounded-deadline
// call a coordinator makes against a single replica (§4.3). It speaks the
// internal replica API's HTTP+JSON wire format; the server side of that
// API lives in pkg/api, which decodes the same DTOs.
package rpc

import "github.com/quorumkv/quorumkv/pkg/versioning"

// VersionDTO is the wire representation of a versioning.Version.
type VersionDTO struct {
	Value       versioning.Value  `json:"value,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Tombstone   bool              `json:"tombstone,omitempty"`
}

// ToVersion converts the wire DTO to the internal representation.
func (dto VersionDTO) ToVersion() versioning.Version {
	return versioning.Version{
		Value:       dto.Value,
		Clock:       versioning.VectorClock(dto.VectorClock),
		IsTombstone: dto.Tombstone,
	}
}

// FromVersion converts the internal representation to the wire DTO.
func FromVersion(v versioning.Version) VersionDTO {
	return VersionDTO{
		Value:       v.Value,
		VectorClock: map[string]uint64(v.Clock),
		Tombstone:   v.IsTombstone,
	}
}

// PutRequest is POSTed to /_replica/put. Value, VectorClock, and Tombstone
// are siblings of Key, matching §6.2's flat wire body exactly (there is no
// nested version sub-object on the wire, even though internally this is
// just a VersionDTO's fields inlined).
type PutRequest struct {
	Key         string            `json:"key"`
	Value       versioning.Value  `json:"value,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Tombstone   bool              `json:"tombstone,omitempty"`
}

// ToVersionDTO extracts the VersionDTO carried by the flattened request.
func (r PutRequest) ToVersionDTO() VersionDTO {
	return VersionDTO{Value: r.Value, VectorClock: r.VectorClock, Tombstone: r.Tombstone}
}

// PutRequestFrom builds the flattened wire request for key from dto.
func PutRequestFrom(key string, dto VersionDTO) PutRequest {
	return PutRequest{Key: key, Value: dto.Value, VectorClock: dto.VectorClock, Tombstone: dto.Tombstone}
}

// PutResponse acknowledges a replica put.
type PutResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// GetResponse is returned by GET /_replica/get.
type GetResponse struct {
	Versions []VersionDTO `json:"versions"`
	Error    string       `json:"error,omitempty"`
}
