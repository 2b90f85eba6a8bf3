/*
Package workflow manages workflow graphs, versions, and deployments.

# Versioning Model

Workflows carry an editable graph; versions are immutable snapshots.
Versions are append-only with monotonically increasing numbers. A draft
accepts graph mutations until it is published; publishing happens exactly
once and freezes the version forever.

Promotion binds a version to an environment through a deployment row.
Staging is enforced: test requires a published version, production requires
the version to already be active in test unless the repository is
configured to allow non-staged promotion. Rollback is a new deployment of a
prior version with a RollbackOf link to the superseded row.

# Diffing

Diff compares two graphs node by node and edge by edge using canonical
JSON, so ordering and formatting differences never register as changes.
Breaking changes are collected per category: removed nodes and parameters,
operation changes, connection changes, and removed edges into surviving
nodes. Promotion refuses unacknowledged breaking changes with a conflict.

# Graph Validation

Graphs must be DAGs with unique node ids, exactly one trigger node, edges
referencing known nodes, and no self-loops. TopologicalOrder produces the
deterministic execution order used by the executor, Kahn's algorithm with
lexicographic tie-breaking.
*/
package workflow
