/*
Package types defines the core data structures used throughout Karapace.

This package contains the fundamental types that represent the domain model:
environment identities and lifecycle states, normalized manifests, resolution
results, layer manifests, and environment metadata records. These types are
used by all other packages for store management, lifecycle orchestration, and
remote transfer.

All types are designed to be:
  - Serializable (JSON for store records, YAML for user-facing files)
  - Content-addressable where applicable (layers, metadata checksums)
  - Free of back-pointers: references between environments, layers, and
    objects are value-typed content hashes, keeping the graph acyclic

# Core Types

Identity:
  - Identity: full 64-hex env_id plus 12-hex short_id

Manifest model:
  - NormalizedManifest: canonical sorted/deduplicated manifest content
  - NormalizedMount: validated label/host/container mount triple
  - ResolvedPackage, Resolution: backend resolution output

Store model:
  - EnvState: defined, built, running, frozen, archived
  - LayerKind, LayerManifest: content-addressed layer descriptors
  - EnvMetadata: per-environment record with embedded integrity checksum
*/
package types
