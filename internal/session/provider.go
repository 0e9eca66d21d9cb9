package session

import "context"

// SpawnOptions are the provider-independent knobs for creating or resuming
// a session.
type SpawnOptions struct {
	Cwd            string
	Task           string
	Mode           Mode
	PermissionMode PermissionMode
	Model          string
	// ResumeID asks the provider to continue a previous upstream
	// conversation instead of starting fresh.
	ResumeID string
	// Env adds to the child process environment.
	Env map[string]string
}

// ProviderSession is the uniform capability set both provider families
// implement. All blocking operations take a context.
type ProviderSession interface {
	// ID returns the externally stable session identity. It never changes
	// for the life of the session, even when the backend issues its own id.
	ID() string

	// PID returns the subprocess pid, or 0 when the provider does not
	// expose one.
	PID() int

	Send(ctx context.Context, input string) error

	// Read returns a slice of the session's own message buffer starting at
	// cursor, plus the next cursor. Redaction is the Manager's concern, not
	// the provider's.
	Read(cursor, limit int) ([]Message, int)

	SwitchMode(ctx context.Context, target Mode) error

	RespondToPermission(ctx context.Context, requestID string, approved bool) error

	Stop(ctx context.Context, force bool) error

	// OnMessage registers the single message listener. Must be called
	// before any upstream traffic is forwarded.
	OnMessage(fn func(Message))

	// OnEvent registers the single event listener.
	OnEvent(fn func(Event))
}

// ReadyWaiter is implemented by sessions whose identity arrives
// asynchronously from the upstream stream.
type ReadyWaiter interface {
	// WaitForReady returns once the session id is known or the stream has
	// ended, whichever comes first.
	WaitForReady(ctx context.Context) error
}

// Provider creates and resumes sessions of one provider family.
type Provider interface {
	Name() string
	Create(ctx context.Context, opts SpawnOptions) (ProviderSession, error)
	Resume(ctx context.Context, sessionID string, opts SpawnOptions) (ProviderSession, error)
}
