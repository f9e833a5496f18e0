// Package capture owns the capture state machine.
//
// Ownership boundary:
// - request/receive/verify/persist cycle and its failure policy
// - cooperative wait-with-deadline polling
// - fixed-cadence loop, manual triggers, startup status probe
// - cycle results and the live session snapshot
package capture
