// Package stores persists devices, device state and session history.
//
// The files backend is the default and keeps one YAML document per record
// under the Git inventory:
//
//	devices/<hostname>/device.yaml
//	devices/<hostname>/state.yaml
//	devices/<hostname>/history/<session_id>.yaml
//
// Every write goes to a temporary file that is renamed into place, so a
// reader never sees a half-written record. The sqlite backend keeps the same
// records in a single database managed by embedded migrations.
//
// Stores do not lock; FileLocker provides the per-device session lease.
package stores
