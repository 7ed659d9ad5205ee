// Aegisctl is the operator CLI for the aegis enforcement gateway.
//
// Usage:
//
//	# Validate a guardian rule file before deploying it
//	aegisctl rules validate rules.yaml
//
//	# Inspect and manage account state
//	aegisctl users status user-123
//	aegisctl users suspend user-123 --reason "repeated policy violations"
//	aegisctl users reinstate user-123
//	aegisctl users ban user-123 --reason "abuse"
//
//	# Inspect rate-limit and risk state
//	aegisctl limits inspect user-123 --tier USER
//
//	# Reveal the original value behind a privacy token
//	aegisctl privacy reveal "{{EMAIL_3f2a9c81}}"
package main

func main() {
	Execute()
}
