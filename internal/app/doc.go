// Package app contains the core application logic. It loads a project,
// builds a session for each invocation and drives the stage runner or the
// commit scheduler, decoupled from any specific entrypoint like a CLI.
package app
