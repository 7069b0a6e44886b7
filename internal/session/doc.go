// Package session keeps the registry of language server sessions.
//
// A session is identified by an editor window and a configuration name. At
// most one session exists per pair, and its entry moves through three
// states:
//
//	Starting -> Ready -> Stopping -> (removed)
//
// The Manager never spawns processes itself. The launcher reserves an entry
// with BeginSession, hands over the client with MarkReady and gives the
// entry back with Abort when starting fails. Stop runs the shutdown and exit
// handshake with the server and removes the entry once the server answered,
// or right away when the server cannot be reached.
//
// Windows are reconciled as a whole: ReconcileClosedWindows stops every
// session of a window that is no longer open and ReconcileProjectChange stops
// the sessions rooted in a project the window left. When the last session of
// a window is removed the OnAllUnloaded hook runs and a window.unloaded event
// is published.
//
// # Events
//
// With WithBus every state change is published on an event.Bus:
//
//	session.starting, session.ready, session.stopping,
//	session.crashed, session.removed, window.unloaded
package session
