package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Credential is the per-protocol client material produced by AddClient.
// The caller stores it and passes it back unchanged.
type Credential = json.RawMessage

// ClientConfig is the per-protocol connection info handed to a client app.
type ClientConfig = json.RawMessage

// ClientData is the input to AddClient.
type ClientData struct {
	// Password is used by protocols with password auth (L2TP, IKEv2 EAP, DNSTT SSH).
	Password string

	// Existing is a credential issued earlier for this username. Adapters
	// reuse it instead of minting new keys.
	Existing Credential
}

// Backend is implemented by every protocol adapter.
//
// Operations are idempotent where the underlying tool allows it: a second
// Install is a no-op and removing an absent client succeeds.
type Backend interface {
	ID() ID

	Install(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// IsRunning checks the OS and corrects a stale running status.
	IsRunning(ctx context.Context) bool

	Version(ctx context.Context) string
	ActiveConnections(ctx context.Context) (int, error)
	Traffic(ctx context.Context) (status.TrafficSample, error)
	ListenPort(ctx context.Context) int

	AddClient(ctx context.Context, username string, data ClientData) (Credential, error)
	RemoveClient(ctx context.Context, username string, cred Credential) error
	// ClientConfig returns nil when the protocol has nothing to hand out.
	ClientConfig(ctx context.Context, username, serverAddress string, cred Credential) (ClientConfig, error)

	// DefaultConfig is the document seeded into the store on first start.
	DefaultConfig() any
}

// Restart stops b, pauses, then starts it again.
func Restart(ctx context.Context, b Backend, pause time.Duration) error {
	if err := b.Stop(ctx); err != nil {
		return fmt.Errorf("restart %s: stopping: %w", b.ID(), err)
	}
	if pause > 0 {
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("restart %s: starting: %w", b.ID(), err)
	}
	return nil
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,31}$`)

// ValidateUsername rejects names that could escape a file path or break
// the syntax of a daemon config file.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// Decode unmarshals a credential into v. An empty credential leaves v untouched.
func Decode(cred Credential, v any) error {
	if len(cred) == 0 || string(cred) == "null" {
		return nil
	}
	if err := json.Unmarshal(cred, v); err != nil {
		return fmt.Errorf("decoding credential: %w", err)
	}
	return nil
}

// Encode marshals v into a credential or client config.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	return data, nil
}
