// Package quota gates paid work on a team's remaining allowance.
//
// CheckAndReserve must run after a unit is claimed and before any billed
// call. A false result is a pause signal, not an error. CheckIndexLimit
// rejects a batch whose predicted index rows would push the team over its
// subscription limit.
package quota
