/*
Package ports defines the driven ports (interfaces) for the arbor engine.

These interfaces decouple the planning core from external implementations, allowing
the engine to work with various storage backends, catalog sources and execution
pipelines.

# Key Interfaces

  - ActionCatalog: read-only, versioned actions per domain.
  - PersonaSource: read-only personas, latest version first.
  - PlanStore: persists plans; only status fields change after creation.
  - UniverseStore: append-only node/edge arena; a path can be branched once.
  - ExecutionPipeline: fire-and-forget submission of branched nodes.
  - DistributedLocker: cross-replica exclusion for plan workers.
*/
package ports
