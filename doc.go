// Package couchmove defines the domain model of a migration engine for
// document-oriented datastores.
//
// The engine applies an ordered set of versioned changelogs to a target
// exactly once, records execution state durably with optimistic concurrency,
// and coordinates exclusive execution across concurrent runners with a
// distributed lock held for the duration of a run.
//
// This package holds the ChangeLog record, its Status and Type enumerations,
// the ChangeSource and Applier collaborator interfaces, and the coded Error
// type shared by the rest of the module. The moving parts live in
// subpackages:
//
//	kv        - compare-and-swap document store abstraction
//	bolt      - boltdb-backed kv.Store
//	inmem     - in-memory kv.Store
//	migration - the engine: lock, changelog store, orchestrator, appliers
//	source    - filesystem ChangeSource with the V<version>__<description> convention
//	cmd/couchmove - the command line runner
package couchmove
