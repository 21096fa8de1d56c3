// Package project is the registry of local codebases ("projects") known to
// the gardener.
//
// A project is identified by a name-based UUID derived from its canonical
// source path, so registering the same directory twice resolves to the same
// id. Status follows a guarded lifecycle:
//
//	unregistered -> registering -> ready | error
//	ready <-> training
//	training -> error -> training
//	ready | error | training -> retiring -> removed
//
// The registry owns Project records and hands out copies. Records are
// persisted through a kvstore.Store under "projects/<id>".
package project
