/*
Package lock implements the lock artifact and canonical identity computation.

A lock file (karapace.lock, lock_version 2) captures the fully resolved state
of an environment: the base image content digest, version-pinned packages,
and flattened runtime policy. The environment identity is a blake3 hash over
an exact token stream of those resolved fields; it deliberately excludes
overlay state, timestamps, undeclared host paths, machine identifiers, and
the store location, so the same lock reproduces the same env_id on any
machine.
*/
package lock
