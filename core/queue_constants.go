package core

import "time"

// Redis keys of the avatar job queue and the default visibility timeout.
const (
	PendingAvatarQueueKey    = "avatar:pending"
	ProcessingAvatarQueueKey = "avatar:processing"
	// DefaultVisibilityTimeout is how long a reserved job stays invisible to other workers.
	DefaultVisibilityTimeout = 30 * time.Second
)
