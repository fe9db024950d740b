package steamauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/blukai/rmpnet/internal/byteorder"
)

// Oracle validates auth tickets. StartSession only tells whether the
// ticket could be submitted; the verdict arrives later, from any
// goroutine, through the AuthChangeFunc the oracle was given.
type Oracle interface {
	StartSession(ticket []byte, userID uint64) bool
	EndSession(userID uint64)
}

type AuthChangeFunc func(userID, ownerID uint64, status Status)

// TicketIssuer hands out the local user's ticket on the client.
type TicketIssuer interface {
	Ticket() ([]byte, error)
	// Cancel invalidates the last issued ticket.
	Cancel()
}

// hmac tickets: nonce(8) mac(32), mac = hmac-sha256(secret, userID(u64) nonce)
const (
	nonceSize     = 8
	hmacTicketLen = nonceSize + sha256.Size
)

func signTicket(secret []byte, userID uint64, nonce []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(byteorder.PutUint64(nil, userID))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// HMACOracle is a stand-in for steam for development servers: tickets are
// signed with a secret shared with the clients.
type HMACOracle struct {
	secret []byte
	delay  time.Duration

	// OnAuthChange must be set before the first StartSession.
	OnAuthChange AuthChangeFunc

	mu       sync.Mutex
	sessions map[uint64]struct{}
	used     map[string]struct{}
}

var _ Oracle = (*HMACOracle)(nil)

// NewHMACOracle creates an oracle that reports its verdict after delay,
// from its own goroutine.
func NewHMACOracle(secret []byte, delay time.Duration) *HMACOracle {
	return &HMACOracle{
		secret:   secret,
		delay:    delay,
		sessions: make(map[uint64]struct{}),
		used:     make(map[string]struct{}),
	}
}

func (o *HMACOracle) StartSession(ticket []byte, userID uint64) bool {
	if len(ticket) != hmacTicketLen {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.sessions[userID]; ok {
		return false
	}
	o.sessions[userID] = struct{}{}

	ticket = append([]byte(nil), ticket...)
	go func() {
		time.Sleep(o.delay)

		status := o.verify(ticket, userID)

		o.mu.Lock()
		_, active := o.sessions[userID]
		o.mu.Unlock()
		if active && o.OnAuthChange != nil {
			o.OnAuthChange(userID, userID, status)
		}
	}()
	return true
}

func (o *HMACOracle) verify(ticket []byte, userID uint64) Status {
	nonce, sum := ticket[:nonceSize], ticket[nonceSize:]
	if !hmac.Equal(sum, signTicket(o.secret, userID, nonce)) {
		return StatusAuthTicketInvalid
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, used := o.used[string(ticket)]; used {
		return StatusAuthTicketInvalidAlreadyUsed
	}
	o.used[string(ticket)] = struct{}{}
	return StatusOK
}

func (o *HMACOracle) EndSession(userID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.sessions, userID)
}

// HMACIssuer issues tickets an HMACOracle with the same secret accepts.
type HMACIssuer struct {
	secret []byte
	userID uint64

	// last is the ticket in use, nil once canceled
	last []byte
}

var _ TicketIssuer = (*HMACIssuer)(nil)

func NewHMACIssuer(secret []byte, userID uint64) *HMACIssuer {
	return &HMACIssuer{secret: secret, userID: userID}
}

func (i *HMACIssuer) Ticket() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ticket := append(nonce, signTicket(i.secret, i.userID, nonce)...)
	i.last = ticket
	return ticket, nil
}

func (i *HMACIssuer) Last() []byte { return i.last }

func (i *HMACIssuer) Cancel() {
	i.last = nil
}
