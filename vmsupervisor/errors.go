package vmsupervisor

import "errors"

// ErrNotFound is returned when a VM ref does not resolve to an index entry.
var ErrNotFound = errors.New("VM not found")

// ErrNotRunning is returned by operations that require a live process (e.g.
// Console) when the VM's PID is absent or dead.
var ErrNotRunning = errors.New("VM is not running")

// ErrAlreadyRunning guards Start against double-launching a live VM.
var ErrAlreadyRunning = errors.New("VM is already running")
