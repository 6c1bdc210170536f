/*
Package remote implements push/pull transfer of environments between stores.

A remote store is a content-addressed blob surface (objects, layers,
metadata) plus a registry index mapping name@tag references to environment
identifiers. The Backend interface abstracts the transport; HTTPBackend
implements the v1 protocol over net/http.

Push walks the environment's reference closure (metadata → layers →
objects), probes the remote with HEAD requests, and uploads only what is
missing, finishing with the metadata blob so a half-pushed environment is
never resolvable. Pull is the mirror image and verifies everything it
downloads: objects are re-hashed against their keys, layer manifests must
store under the requested hash, and metadata checksums are recomputed. A
mismatch is an IntegrityError and nothing partial reaches the local store.
*/
package remote
