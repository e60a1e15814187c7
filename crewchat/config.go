package crewchat

import "time"

// Config controls how the SDK connects to the crewchat realtime endpoint.
type Config struct {
	URL    string
	Token  string // bearer token sent during the websocket handshake
	UserID string // local user id; used for the inbox room and echo detection

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PingInterval is how often the liveness prober emits a ping.
	PingInterval time.Duration

	// LivenessWindow is how long the session tolerates silence from the
	// server before forcing a hard reconnect.
	LivenessWindow time.Duration

	// ReconnectBase is multiplied by the attempt count to produce the
	// delay before the next reconnect attempt, capped at ReconnectCap.
	// Attempts are unbounded.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// SendRetryDelay is how long Emit waits for a connection to come up
	// before its single retry when called while disconnected.
	SendRetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
// Set a timeout to 0 to disable it.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    20 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		LivenessWindow: 180 * time.Second,
		ReconnectBase:  time.Second,
		ReconnectCap:   30 * time.Second,
		SendRetryDelay: 2 * time.Second,
	}
}

// backoffDelay computes the delay before reconnect attempt n (1-based).
// Delay grows linearly with the attempt count and is capped so a long
// outage never produces an unbounded wait.
func (c Config) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.ReconnectBase * time.Duration(attempt)
	if c.ReconnectCap > 0 && d > c.ReconnectCap {
		d = c.ReconnectCap
	}
	return d
}
