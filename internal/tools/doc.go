// Package tools provides reusable runtime helpers shared by provisioning modules.
//
// Ownership boundary:
// - command execution helpers (local and SSH)
// - shell-style command parsing and quoting
// - host/runtime utility primitives
package tools
