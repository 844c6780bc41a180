package types

// Version is the canonical statebus version. The CLI, the relay protocol and
// the IPC frame contract move in lockstep.
const Version = "0.3.0"
