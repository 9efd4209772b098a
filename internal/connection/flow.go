// Package connection runs the per-owner sign-in state machine: request a
// verification code for a phone, then exchange the code for a session.
package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// CodePrefix precedes the digits of a verification code in owner input.
const CodePrefix = "aa"

const defaultOperationTimeout = 20 * time.Second

// State is the position of an owner's sign-in attempt.
type State int

const (
	StateIdle State = iota
	StateCodeRequested
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCodeRequested:
		return "code_requested"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Sessions stores an authenticated client.
type Sessions interface {
	PutSession(ctx context.Context, owner int64, phone, handle string, client chat.Client) error
}

// Listeners installs forwarding for an owner's active rules.
type Listeners interface {
	InstallListeners(ctx context.Context, owner int64) (int, error)
}

// Config holds configuration for the flow
type Config struct {
	Dialer    chat.Dialer
	Sessions  Sessions
	Listeners Listeners
	Logger    logger.Logger

	// OperationTimeout bounds each protocol call. Zero means 20s.
	OperationTimeout time.Duration
}

// Result reports a completed sign-in.
type Result struct {
	Phone     string
	Listeners int // Rules being forwarded after sign-in
}

type attempt struct {
	phone    string
	codeHash string
	client   chat.Client
	state    State
	err      error
}

// Flow holds at most one attempt per owner. A new RequestCode replaces the
// owner's attempt, whatever its state.
type Flow struct {
	config Config

	mu       sync.Mutex
	attempts map[int64]*attempt
}

func New(config Config) (*Flow, error) {
	if config.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = defaultOperationTimeout
	}
	return &Flow{config: config, attempts: make(map[int64]*attempt)}, nil
}

// RequestCode validates phone, asks the network to send a verification code
// and moves the owner to CODE_REQUESTED. On failure the owner is FAILED.
func (f *Flow) RequestCode(ctx context.Context, owner int64, rawPhone string) (string, error) {
	const op = "request code"

	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.OperationTimeout)
	defer cancel()

	client, err := f.config.Dialer.New(ctx, owner, domain.DialPhone(phone))
	if err != nil {
		err = chat.Wrap(op, err)
		f.set(owner, &attempt{phone: phone, state: StateFailed, err: err})
		return "", err
	}
	hash, err := client.RequestCode(ctx, domain.DialPhone(phone))
	if err != nil {
		_ = client.Disconnect()
		err = chat.Wrap(op, err)
		f.set(owner, &attempt{phone: phone, state: StateFailed, err: err})
		f.config.Logger.Warn("Verification code request failed",
			logger.OwnerField(owner),
			logger.PhoneField(phone),
			logger.ErrorField(err))
		return "", err
	}

	f.set(owner, &attempt{phone: phone, codeHash: hash, client: client, state: StateCodeRequested})
	f.config.Logger.Info("Verification code requested", logger.OwnerField(owner), logger.PhoneField(phone))
	return phone, nil
}

// IsCodeInput reports whether text is a verification code entry and returns
// its digits.
func IsCodeInput(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, CodePrefix) {
		return "", false
	}
	code := text[len(CodePrefix):]
	if code == "" {
		return "", false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return code, true
}

// HandleCodeInput consumes text when the owner is in CODE_REQUESTED and text
// looks like a code entry. handled is false when the text is not for this
// state machine. A malformed code ("aa" followed by something other than
// digits) is InvalidInput and leaves the attempt in place.
func (f *Flow) HandleCodeInput(ctx context.Context, owner int64, text string) (res Result, handled bool, err error) {
	const op = "sign in"

	f.mu.Lock()
	a, ok := f.attempts[owner]
	f.mu.Unlock()
	if !ok || a.state != StateCodeRequested {
		return Result{}, false, nil
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, CodePrefix) {
		return Result{}, false, nil
	}
	code, valid := IsCodeInput(trimmed)
	if !valid {
		return Result{}, true, domain.Errorf(domain.KindInvalidInput, op, "the code must contain only digits after %q", CodePrefix)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.config.OperationTimeout)
	handle, err := a.client.SignIn(callCtx, domain.DialPhone(a.phone), code, a.codeHash)
	cancel()
	if err != nil {
		err = chat.Wrap(op, err)
		f.fail(owner, a, err)
		return Result{}, true, err
	}

	if !f.current(owner, a) {
		// Superseded by a newer RequestCode while signing in.
		_ = a.client.Disconnect()
		return Result{}, true, domain.Errorf(domain.KindInvalidInput, op, "a newer connection attempt replaced this one")
	}

	if err := f.config.Sessions.PutSession(ctx, owner, a.phone, handle, a.client); err != nil {
		f.fail(owner, a, err)
		return Result{}, true, err
	}

	f.mu.Lock()
	if f.attempts[owner] == a {
		f.attempts[owner] = &attempt{phone: a.phone, state: StateAuthenticated}
	}
	f.mu.Unlock()

	res = Result{Phone: a.phone}
	if f.config.Listeners != nil {
		n, lerr := f.config.Listeners.InstallListeners(ctx, owner)
		res.Listeners = n
		if lerr != nil {
			f.config.Logger.Warn("Some listeners were not installed after sign-in",
				logger.OwnerField(owner),
				logger.ErrorField(lerr))
		}
	}

	f.config.Logger.Info("Session authenticated",
		logger.OwnerField(owner),
		logger.PhoneField(a.phone),
		logger.IntField("listeners", res.Listeners))
	return res, true, nil
}

// State returns the owner's attempt state and its phone.
func (f *Flow) State(owner int64) (State, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[owner]
	if !ok {
		return StateIdle, ""
	}
	return a.state, a.phone
}

// LastError returns why the owner's attempt failed, if it did.
func (f *Flow) LastError(owner int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[owner]; ok && a.state == StateFailed {
		return a.err
	}
	return nil
}

// Reset drops the owner's attempt and releases its client.
func (f *Flow) Reset(owner int64) {
	f.set(owner, nil)
}

// Close releases every pending client.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for owner, a := range f.attempts {
		if a.client != nil {
			_ = a.client.Disconnect()
		}
		delete(f.attempts, owner)
	}
}

// set replaces the owner's attempt, releasing the client of a pending one.
func (f *Flow) set(owner int64, a *attempt) {
	f.mu.Lock()
	prev := f.attempts[owner]
	if a == nil {
		delete(f.attempts, owner)
	} else {
		f.attempts[owner] = a
	}
	f.mu.Unlock()

	if prev != nil && prev.state == StateCodeRequested && prev.client != nil {
		_ = prev.client.Disconnect()
	}
}

func (f *Flow) current(owner int64, a *attempt) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[owner] == a
}

func (f *Flow) fail(owner int64, a *attempt, err error) {
	f.mu.Lock()
	replaced := f.attempts[owner] != a
	if !replaced {
		f.attempts[owner] = &attempt{phone: a.phone, state: StateFailed, err: err}
	}
	f.mu.Unlock()

	_ = a.client.Disconnect()
	f.config.Logger.Warn("Sign-in failed",
		logger.OwnerField(owner),
		logger.PhoneField(a.phone),
		logger.ErrorField(err))
}
