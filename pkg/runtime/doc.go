/*
Package runtime implements the execution layer for Karapace environments.

The engine depends only on the Backend interface: resolve dependencies, build
the on-disk overlay structure, enter or exec workloads, destroy, and report
status. Three implementations exist:

  - namespace: unprivileged user namespaces with a fuse-overlayfs mount
  - oci: an OCI runtime (runc or crun) over a generated rootless bundle
  - mock: fully deterministic and in-process, for tests and dry runs

Backend selection is a pure function over the normalized manifest's
runtime.backend value.

The package also provides the security policy (mount whitelist, device
allow-list derived from hardware flags, environment variable filtering,
resource ceilings), host prerequisite checks with a KARAPACE_SKIP_PREREQS
bypass, and a bbolt-indexed image cache that records the content digest of
each extracted base image so resolution is repeatable and cheap. Downloading
and extracting images is the job of an external fetcher; this package only
consumes the cache.
*/
package runtime
