// Package board coordinates message mutations.
//
// Service.Apply is the only path from a request to a store write. It
// validates input, writes through store.MessageStore, and on success publishes
// exactly one events.Event. The returned Ack reports whether the publish
// happened; a failed publish is logged and counted but the write stands.
//
// Errors are typed so handlers can pick a status with StatusCode:
//
//	*ValidationError  400
//	ErrNotFound       404
//	*ConflictError    409
//	*TransientError   500
package board
