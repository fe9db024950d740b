// Package steamauth admits clients one at a time: version and capacity
// checks, then a ticket validated by an auth oracle, with a timeout.
package steamauth

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/phuslu/log"
)

type Config struct {
	Version     string        `envconfig:"VERSION" default:"1.0"`
	MaxPlayers  int           `envconfig:"MAX_PLAYERS" default:"20"`
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`
	Name        string        `envconfig:"NAME" default:"My Game Server"`
}

func DefaultConfig() Config {
	return Config{
		Version:     "1.0",
		MaxPlayers:  20,
		AuthTimeout: 5 * time.Second,
		Name:        "My Game Server",
	}
}

// Peer is the part of a connection the queue looks at.
type Peer interface {
	Status() rmp.PeerStatus
}

// Notifier tells a peer how its admission went.
type Notifier interface {
	Accept(peer Peer) error
	Reject(peer Peer, reason string) error
}

type OperationKind uint8

const (
	OperationConnecting OperationKind = iota
	OperationDisconnecting
)

func (k OperationKind) String() string {
	switch k {
	case OperationConnecting:
		return "connecting"
	case OperationDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("OperationKind(%d)", uint8(k))
	}
}

type Operation struct {
	Kind     OperationKind
	Peer     Peer
	Version  string
	Ticket   []byte
	UserID   uint64
	Username string
}

// User is an admitted peer.
type User struct {
	Peer     Peer
	UserID   uint64
	Username string
}

type UserEvent []func(user *User)

func (e *UserEvent) Add(fn func(user *User)) { *e = append(*e, fn) }

func (e UserEvent) fire(user *User) {
	for _, fn := range e {
		fn(user)
	}
}

type authChange struct {
	userID  uint64
	ownerID uint64
	status  Status
}

// Queue serializes connects and disconnects so that at most one connect is
// authorizing at any time and the user list only changes between them.
// Everything except OnAuthChange must be called from the tick goroutine.
type Queue struct {
	logger   *log.Logger
	config   Config
	oracle   Oracle
	notifier Notifier

	ops       []Operation
	pending   *Operation
	startedAt time.Time
	users     []*User

	inboxMu sync.Mutex
	inbox   []authChange

	OnUserJoin UserEvent
	OnUserExit UserEvent
}

func NewQueue(config Config, oracle Oracle, notifier Notifier, logger *log.Logger) *Queue {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Queue{
		logger:   logger,
		config:   config,
		oracle:   oracle,
		notifier: notifier,
	}
}

func (q *Queue) Config() Config { return q.config }

func (q *Queue) EnqueueConnect(peer Peer, version string, ticket []byte, userID uint64, username string) {
	q.ops = append(q.ops, Operation{
		Kind:     OperationConnecting,
		Peer:     peer,
		Version:  version,
		Ticket:   ticket,
		UserID:   userID,
		Username: username,
	})
}

func (q *Queue) EnqueueDisconnect(peer Peer) {
	q.ops = append(q.ops, Operation{Kind: OperationDisconnecting, Peer: peer})
}

// OnAuthChange is the oracle callback. It is safe to call from any
// goroutine; the change is acted on during the next Pump.
func (q *Queue) OnAuthChange(userID, ownerID uint64, status Status) {
	q.inboxMu.Lock()
	defer q.inboxMu.Unlock()

	q.inbox = append(q.inbox, authChange{userID: userID, ownerID: ownerID, status: status})
}

// Len is the number of operations waiting behind the authorizing one.
func (q *Queue) Len() int { return len(q.ops) }

// Authorizing returns the connect that waits on the oracle, if any.
func (q *Queue) Authorizing() (Operation, bool) {
	if q.pending == nil {
		return Operation{}, false
	}
	return *q.pending, true
}

func (q *Queue) Users() []*User { return q.users }

func (q *Queue) User(peer Peer) (*User, bool) {
	for _, user := range q.users {
		if user.Peer == peer {
			return user, true
		}
	}
	return nil, false
}

// Pump applies oracle verdicts, expires a connect that waited too long,
// then processes queued operations until one has to wait on the oracle.
func (q *Queue) Pump(now time.Time) {
	q.inboxMu.Lock()
	inbox := q.inbox
	q.inbox = nil
	q.inboxMu.Unlock()

	for _, change := range inbox {
		q.handleAuthChange(change)
	}

	if q.pending != nil && now.Sub(q.startedAt) >= q.config.AuthTimeout {
		op := q.pending
		q.pending = nil
		q.reject(op.Peer, "Steam user auth canceled. (Time out)")
		q.oracle.EndSession(op.UserID)
	}

	for q.pending == nil && len(q.ops) > 0 {
		op := q.ops[0]
		q.ops[0] = Operation{}
		q.ops = q.ops[1:]

		switch op.Kind {
		case OperationConnecting:
			q.authorize(op, now)
		case OperationDisconnecting:
			q.dispose(op)
		}
	}
}

func (q *Queue) authorize(op Operation, now time.Time) {
	if op.Peer.Status() != rmp.PeerConnected {
		q.logger.Warn().
			Str("username", op.Username).
			Msg("user disconnected before auth started")
		return
	}

	if len(q.users) >= q.config.MaxPlayers {
		q.reject(op.Peer, fmt.Sprintf("Server is full. (%d/%d)", len(q.users), q.config.MaxPlayers))
		return
	}
	if op.Version != q.config.Version {
		q.reject(op.Peer, fmt.Sprintf("Version mismatch. Client: %s, Server: %s", op.Version, q.config.Version))
		return
	}
	if len(op.Ticket) == 0 {
		q.reject(op.Peer, "Malformed steam auth ticket.")
		return
	}

	q.logger.Info().
		Str("username", op.Username).
		Uint64("user_id", op.UserID).
		Msg("authorizing user")

	if !q.oracle.StartSession(op.Ticket, op.UserID) {
		q.reject(op.Peer, "Failed to start steam auth session.")
		return
	}
	q.pending = &op
	q.startedAt = now
}

func (q *Queue) handleAuthChange(change authChange) {
	op := q.pending
	if op == nil || op.UserID != change.userID {
		q.logger.Debug().
			Uint64("user_id", change.userID).
			Msgf("auth changed: %s", change.status)
		return
	}
	q.pending = nil

	switch change.status {
	case StatusOK:
		q.accept(op)
	case StatusAuthTicketCanceled:
		// the user is most likely gone already, nobody to tell
		q.logger.Warn().
			Str("username", op.Username).
			Msg("auth ticket canceled while authorizing")
		q.oracle.EndSession(op.UserID)
	default:
		q.reject(op.Peer, fmt.Sprintf("Steam auth failed. (%s): %s", op.Username, change.status))
		q.oracle.EndSession(op.UserID)
	}
}

func (q *Queue) accept(op *Operation) {
	if op.Peer.Status() != rmp.PeerConnected {
		q.logger.Warn().
			Str("username", op.Username).
			Msg("user disconnected while authorizing")
		q.oracle.EndSession(op.UserID)
		return
	}

	user := &User{Peer: op.Peer, UserID: op.UserID, Username: op.Username}
	q.users = append(q.users, user)

	q.logger.Info().
		Str("username", user.Username).
		Uint64("user_id", user.UserID).
		Msg("user joined")

	if err := q.notifier.Accept(op.Peer); err != nil {
		q.logger.Error().Msgf("could not notify %s of acceptance: %v", user.Username, err)
	}
	q.OnUserJoin.fire(user)
}

// reject does not disconnect; the client leaves on its own once told.
func (q *Queue) reject(peer Peer, reason string) {
	q.logger.Warn().Msgf("rejected user: %s", reason)
	if err := q.notifier.Reject(peer, reason); err != nil {
		q.logger.Error().Msgf("could not notify rejection: %v", err)
	}
}

func (q *Queue) dispose(op Operation) {
	for i, user := range q.users {
		if user.Peer != op.Peer {
			continue
		}

		q.oracle.EndSession(user.UserID)
		q.users = append(q.users[:i], q.users[i+1:]...)

		q.logger.Info().
			Str("username", user.Username).
			Uint64("user_id", user.UserID).
			Msg("user left")

		q.OnUserExit.fire(user)
		return
	}

	// rejected or never finished the handshake
	q.logger.Debug().Msg("disconnected peer was not a user")
}

// Close ends every session and forgets all users and queued operations.
func (q *Queue) Close() {
	for _, user := range q.users {
		q.oracle.EndSession(user.UserID)
	}
	if q.pending != nil {
		q.oracle.EndSession(q.pending.UserID)
	}
	q.users = nil
	q.pending = nil
	q.ops = nil

	q.inboxMu.Lock()
	q.inbox = nil
	q.inboxMu.Unlock()
}
