/*
Package manifest parses and normalizes declarative environment manifests.

A manifest is a YAML document (karapace.yaml) describing the desired
environment: base image, system packages, GUI apps, hardware flags, bind
mounts, and runtime policy. Parsing is strict: unknown keys are rejected so a
typo never silently changes meaning.

Normalization is a pure function producing the canonical form consumed by
identity hashing and lock generation: strings are trimmed, package and app
lists are sorted and deduplicated, mounts are sorted by label, and the backend
name is lowercased. CanonicalBytes serializes the normalized form into stable
bytes whose content is independent of declaration order or whitespace.
*/
package manifest
