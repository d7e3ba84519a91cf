// Package model defines the data model shared by every layer of loom.
//
// # Entities
//
//   - Node: closed set of typed variants (Chat, Message, Entity, ...), each with an
//     immutable NodeID, typed fields and an open Metadata map
//   - Edge: directed, typed relationship between two nodes
//   - Embedding: fixed-dimensionality vector owned by exactly one node
//
// # Routing
//
// DatabaseType and Tier classify where a record lives. PartitionOf maps a node kind
// to its partition; new writes always land in the Active tier.
//
// # Events
//
// Every logical mutation produces exactly one Event. Events are immutable values
// consumed once by the weaver.
//
// # Errors
//
// All layers report failures through *Error, classified by ErrorKind and matchable
// with errors.Is against ErrNotFound, ErrInvalidOperation, ErrSerialization,
// ErrBackend and ErrTransaction.
package model
