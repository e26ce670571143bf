// Package storage provides the key/value backends behind domain.Cache: an
// in-process map, a single-node bolt file, and a Redis deployment shared
// by every node of a cluster.
package storage
