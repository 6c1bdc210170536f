/*
Package store implements the content-addressed storage layer for Karapace.

The store owns every object, layer, and metadata file under the store root;
environments borrow layer and object references through their metadata
records. The package provides:

  - Layout: the fixed directory structure and format version marker
  - ObjectStore: immutable blobs keyed by their blake3 content hash
  - LayerStore: layer manifests describing tar archives and their object
    references, with a composite hash scheme for snapshot layers
  - PackLayer/UnpackLayer: deterministic tar packing of overlay directories
  - MetadataStore: per-environment records with embedded checksums, name
    uniqueness, and reference resolution (id, name, short-id prefix)
  - WriteAheadLog: rollback-step journal giving crash safety to multi-step
    mutations, replayed once at engine startup
  - GarbageCollector: mark-and-sweep over the env → layer → object graph
  - VerifyStore: full re-hash of every stored entity

# Atomic writes

Every write follows the same protocol: create a uniquely named temp file in
the destination directory, write the full content, fsync, rename into place,
fsync the directory. No reader ever observes a partial file; readers that
race a rename simply do not observe the new record yet.

# Integrity

Objects and layers are verified by re-hashing file content against the file
name on every read. Metadata embeds a checksum over all fields except the
checksum slot itself. Integrity failures are fatal to the reading operation
and never retried.
*/
package store
