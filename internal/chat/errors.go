package chat

import "errors"

// Error taxonomy for the message pipeline. Validation errors are returned
// synchronously to the caller and never broadcast.
var (
	// ErrNotAMember rejects a post, reaction, or receipt from a participant
	// who is not currently attached to the room.
	ErrNotAMember = errors.New("chat: sender is not a room member")

	// ErrEmptyMessage rejects content that is empty after trimming.
	ErrEmptyMessage = errors.New("chat: message is empty")

	// ErrMessageTooLong rejects content over the size bounds.
	ErrMessageTooLong = errors.New("chat: message exceeds size limit")

	// ErrRateLimited rejects a post from a sender who is posting too fast.
	// Recoverable: the caller retries after backoff.
	ErrRateLimited = errors.New("chat: rate limited")

	// ErrPersistence aborts a post whose storage write failed. Nothing is
	// broadcast; the message is never visible to other participants.
	ErrPersistence = errors.New("chat: persistence failed")

	// ErrUnknownMessage is returned for reaction or receipt operations on a
	// message id this node has no record of.
	ErrUnknownMessage = errors.New("chat: unknown message")
)
