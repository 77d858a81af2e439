// Package sources reads MAAS style instance seeds.
//
// A seed is the instance-id, local-hostname and optional public-keys of an
// instance plus an opaque user-data payload. It is presented either as a
// flat directory with one file per field, or as a versioned HTTP endpoint
// serving each field as its own resource:
//
//	GET {base}/{version}/meta-data/local-hostname
//	GET {base}/{version}/meta-data/instance-id
//	GET {base}/{version}/meta-data/public-keys
//	GET {base}/{version}/user-data
//
// Architecture:
//   - Reader: reads a single Source and returns an Outcome
//   - Classify: the shared validation both readers run on what they read
//   - ReaderFactory: creates the Reader for a source type
//   - Resolver: walks candidate sources in order
//
// An Outcome is Resolved, Absent or Malformed. Absent means nothing usable
// is there and the caller should try the next source. Malformed means the
// source exists but lacks instance-id or local-hostname, and the caller
// should stop and report it. Transport and filesystem errors never surface
// separately: they leave the affected field absent.
//
// URL readers take a HeaderProvider for per-request headers; OAuthSigner
// provides the OAuth 1.0 PLAINTEXT signing MAAS expects.
package sources
