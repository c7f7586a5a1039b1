// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for passing results between the
// namespace, the replica lifecycle code and the RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Namespace level errors ------//

	// ErrNoSuchObject is returned when an inode, a replica or a dead file copy
	// doesn't exist (anymore).
	ErrNoSuchObject

	// ErrStaleGeneration is returned if the caller's idea of an inode's
	// generation doesn't match the current one.
	ErrStaleGeneration

	// ErrFileBusy is returned when a file is open for writing, or some other
	// replica operation is already in flight for it.
	ErrFileBusy

	// ErrInsufficientReplicas is returned when removing a replica would leave
	// fewer replicas than desired, or no replica at all.
	ErrInsufficientReplicas

	// ErrAgain means the namespace lock couldn't be acquired promptly. The
	// caller should back off and retry.
	ErrAgain

	// ErrReadOnlyMode is returned while mutation is administratively paused.
	ErrReadOnlyMode

	// ErrNotDirectory is returned when a directory is expected but the inode is a file.
	ErrNotDirectory

	//------ Host level errors ------//

	// ErrNoSuchHost is returned if the host isn't registered.
	ErrNoSuchHost

	// ErrHostExist is returned when registering a host that's already registered.
	ErrHostExist

	// ErrHostDown is returned when the host isn't reachable right now.
	ErrHostDown

	// ErrAllocHost is returned if no host could be chosen as a replication target.
	ErrAllocHost

	// ErrNoSpace is returned by a storage node that ran out of space.
	ErrNoSpace

	//------ Persistence ------//

	// ErrDB is returned when a database transaction fails.
	ErrDB

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing.
	ErrInvalidArgument

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrCanceled is returned when work is abandoned because of a shutdown.
	ErrCanceled

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrNoSuchObject:         "no such object",
	ErrStaleGeneration:      "generation changed",
	ErrFileBusy:             "file busy",
	ErrInsufficientReplicas: "insufficient number of replicas",
	ErrAgain:                "resource temporarily unavailable",
	ErrReadOnlyMode:         "read-only mode",
	ErrNotDirectory:         "not a directory",

	ErrNoSuchHost: "host is not registered",
	ErrHostExist:  "host already registered",
	ErrHostDown:   "host is down",
	ErrAllocHost:  "failed to allocate host",
	ErrNoSpace:    "no space left on host",
	ErrDB:         "database error",

	ErrInvalidArgument: "invalid argument",
	ErrTooBusy:         "too busy",
	ErrRPC:             "RPC-level error",
	ErrCanceled:        "canceled",
	ErrUnknown:         "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error. Errors that didn't
// originate as a core.Error become ErrUnknown.
func FromError(err error) Error {
	if err == nil {
		return NoError
	}
	if e, ok := err.(goError); ok {
		return Error(e)
	}
	return ErrUnknown
}

// IsRetriableError checks if an operation that failed with 'err' should be
// tried again later rather than given up on.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrAgain, // Giant lock contention.
		ErrFileBusy,             // A write or another replica operation is in flight.
		ErrInsufficientReplicas, // Next scan pass might see more replicas.
		ErrReadOnlyMode,         // Administrative pause.
		ErrHostDown,
		ErrTooBusy,
		ErrRPC,
		ErrNoSpace,
		ErrAllocHost,
		ErrDB:
		return true
	}
	return false
}

// IsGone returns true if 'err' says the object a work item refers to has gone
// away for good. Such work items are dropped as if they succeeded.
func IsGone(err Error) bool {
	return err == ErrNoSuchObject || err == ErrStaleGeneration || err == ErrNoSuchHost
}
