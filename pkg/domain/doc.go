// Package domain holds the core types shared across the enforcement pipeline:
// caller identities, refusal envelopes, stage decisions, stream messages and
// the collaborator contracts the pipeline depends on.
package domain
