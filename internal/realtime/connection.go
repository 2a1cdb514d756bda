package realtime

// Connection is one physical client link. Send must not block; it reports an
// error when the frame cannot be queued.
type Connection interface {
	ID() string
	Send(frame []byte) error
	Close() error
}
