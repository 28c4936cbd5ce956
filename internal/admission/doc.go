// Package admission decides, per request, whether a caller is accepted,
// throttled, or blocked.
//
// Everything lives in process memory and is scoped to a single Controller:
//   - fixed window request counters per identity and route class
//   - progressive penalties that shrink quota after repeated violations and
//     decay one violation at a time
//   - activity profiles feeding an abuse detector (request rate, endpoint
//     diversity, client signature diversity)
//
// What this does NOT do:
//   - coordinate limits across processes, every instance counts on its own
//   - survive restarts, violation history and pending decays are lost on exit
//   - enrich identities with reputation or geolocation data
//
// The decision path never blocks on I/O and never returns an error. A
// background reaper (see Controller.Start) bounds memory by evicting idle
// state; every record is also evaluated lazily on access so decisions stay
// correct when the reaper is not running.
package admission
