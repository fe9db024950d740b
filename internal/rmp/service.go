// Package rmp implements the remote method protocol on top of an abstract
// transport: peers, network views addressed by guid, rpc dispatch and
// replication of objects from the server to its clients.
//
// Everything in here is driven from one goroutine through Service.Tick;
// none of it is safe for concurrent use.
package rmp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/blukai/rmpnet/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type Role uint8

const (
	// RoleStandalone is offline. The process acts as the server of a
	// network of itself, so ToServer calls run locally.
	RoleStandalone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Template is one entry of the replication table. Server and clients must
// register the same templates in the same order.
type Template struct {
	Name string
	// New creates the receivers of a fresh instance.
	New func() []Receiver
}

type Service struct {
	logger    *log.Logger
	transport transport.Transport
	methods   *MethodTable
	templates []Template
	views     *Registry

	role       Role
	dispatcher Dispatcher

	OnStartServer          Event
	OnStopServer           Event
	OnClientConnect        PeerEvent
	OnClientDisconnect     PeerEvent
	OnConnectToServer      PeerEvent
	OnDisconnectFromServer PeerEvent
	// OnTick runs after transport events of a tick were dispatched.
	OnTick TickEvent
}

func NewService(tr transport.Transport, methods *MethodTable, templates []Template, logger *log.Logger) *Service {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Service{
		logger:    logger,
		transport: tr,
		methods:   methods,
		templates: templates,
		views:     NewRegistry(),
	}
}

func (s *Service) Logger() *log.Logger { return s.logger }

func (s *Service) Role() Role { return s.role }

func (s *Service) IsOnline() bool { return s.role != RoleStandalone }

// IsServer is true for the server and while offline.
func (s *Service) IsServer() bool { return s.role != RoleClient }

func (s *Service) Templates() []Template { return s.templates }

// Host is the transport host the service runs on while online.
func (s *Service) Host() (transport.HostID, bool) {
	if s.dispatcher == nil {
		return 0, false
	}
	return s.dispatcher.Host(), true
}

// ServerPeer is the connection to the server, nil unless the service is a
// client.
func (s *Service) ServerPeer() *Peer {
	if d, ok := s.dispatcher.(*ClientDispatcher); ok {
		return d.Peer()
	}
	return nil
}

// ClientPeers are the connected clients, nil unless the service is a
// server.
func (s *Service) ClientPeers() []*Peer {
	if d, ok := s.dispatcher.(*ServerDispatcher); ok {
		return d.Peers()
	}
	return nil
}

func (s *Service) StartServer(port, maxConnections int) error {
	if s.role != RoleStandalone {
		return ErrAlreadyOnline
	}

	if maxConnections < 1 {
		maxConnections = 1
	}
	host, err := s.transport.AddHost(transport.Topology{MaxConnections: maxConnections}, port)
	if err != nil {
		return fmt.Errorf("could not add server host: %w", err)
	}

	s.dispatcher = newServerDispatcher(s, host)
	s.role = RoleServer

	s.logger.Info().
		Int("port", port).
		Int("max_connections", maxConnections).
		Msg("server started")

	s.OnStartServer.fire()
	return nil
}

// StopServer disconnects every client. The service goes back to standalone
// once all of them are gone, which may take until a later Tick.
func (s *Service) StopServer() error {
	if s.role != RoleServer {
		return ErrNotServer
	}
	s.dispatcher.Shutdown()
	s.releaseIfFinished()
	return nil
}

func (s *Service) StartClient(remoteHost string, remotePort int) error {
	if s.role != RoleStandalone {
		return ErrAlreadyOnline
	}

	host, err := s.transport.AddHost(transport.Topology{MaxConnections: 1}, 0)
	if err != nil {
		return fmt.Errorf("could not add client host: %w", err)
	}
	conn, err := s.transport.Connect(host, remoteHost, remotePort)
	if err != nil {
		_ = s.transport.RemoveHost(host)
		return fmt.Errorf("could not connect to %s:%d: %w", remoteHost, remotePort, err)
	}

	s.dispatcher = newClientDispatcher(s, host, conn)
	s.role = RoleClient

	s.logger.Info().
		Str("remote_host", remoteHost).
		Int("remote_port", remotePort).
		Msg("client started")
	return nil
}

func (s *Service) StopClient() error {
	if s.role != RoleClient {
		return ErrNotClient
	}
	s.dispatcher.Shutdown()
	s.releaseIfFinished()
	return nil
}

func (s *Service) releaseIfFinished() {
	if s.dispatcher == nil || !s.dispatcher.Finished() {
		return
	}

	if err := s.transport.RemoveHost(s.dispatcher.Host()); err != nil {
		s.logger.Error().Msgf("could not remove host: %v", err)
	}

	role := s.role
	s.dispatcher = nil
	s.role = RoleStandalone

	s.logger.Info().Msgf("%s stopped", role)

	if role == RoleServer {
		s.OnStopServer.fire()
	}
}

// Tick dispatches every pending transport event, then runs OnTick.
func (s *Service) Tick(now time.Time) {
	for {
		ev, ok := s.transport.Receive()
		if !ok {
			break
		}
		s.handleEvent(ev)
	}
	s.releaseIfFinished()

	s.guard("tick", func() { s.OnTick.fire(now) })
}

// guard runs fn and logs instead of unwinding when it panics, so a broken
// handler can not take the loop down with it.
func (s *Service) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Msgf("recovered from panic in %s: %v", what, r)
		}
	}()
	fn()
}

func (s *Service) handleEvent(ev transport.Event) {
	d := s.dispatcher
	if d == nil || ev.Host != d.Host() {
		s.logger.Debug().Msgf("dropped %s event of stale host %d", ev.Type, ev.Host)
		return
	}

	s.guard(ev.Type.String()+" event", func() {
		switch ev.Type {
		case transport.EventConnect:
			d.OnConnect(ev.Conn)
		case transport.EventData:
			d.OnData(ev.Conn, ev.Channel, ev.Data)
		case transport.EventDisconnect:
			d.OnDisconnect(ev.Conn)
		case transport.EventError:
			d.OnError(ev.Conn, ev.Err)
		}
	})
}

func (s *Service) handleMessage(peer *Peer, data []byte) {
	err := peer.OnMessage(data)
	if err == nil {
		return
	}
	if IsResolutionError(err) {
		s.logger.Warn().Msgf("message from %s: %v", peer, err)
		return
	}
	s.logger.Error().Msgf("dropped message from %s: %v", peer, err)
}

// Run ticks every interval until ctx is done, then takes the service
// offline.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Close stops whatever role the service is in and releases its host.
func (s *Service) Close() error {
	var err error
	switch s.role {
	case RoleServer:
		err = s.StopServer()
	case RoleClient:
		err = s.StopClient()
	}
	if err != nil {
		return err
	}
	s.Tick(time.Now())

	if s.dispatcher != nil {
		// whatever is left will never report back
		s.guard("close", s.dispatcher.Abandon)
		s.releaseIfFinished()
	}
	return nil
}

// View resolves a guid.
func (s *Service) View(guid string) (*View, error) {
	return s.views.Get(guid)
}

func (s *Service) Views() *Registry { return s.views }

// AddSceneView registers an object both sides know about up front under a
// fixed guid.
func (s *Service) AddSceneView(guid string, receivers ...Receiver) (*View, error) {
	v := newView(s, guid, -1, receivers)
	if err := s.views.Add(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) template(index int) (Template, error) {
	if index < 0 || index >= len(s.templates) {
		return Template{}, &TemplateIndexError{Index: index, Len: len(s.templates)}
	}
	return s.templates[index], nil
}

func (s *Service) instantiate(index int, guid string) (*View, error) {
	tmpl, err := s.template(index)
	if err != nil {
		return nil, err
	}
	v := newView(s, guid, index, tmpl.New())
	if err := s.views.Add(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Replicate instantiates template index under a new guid and sends it to
// to, or to every client when to is nil. The view is returned even if
// sending failed.
func (s *Service) Replicate(index int, to *Peer) (*View, error) {
	if s.role == RoleClient {
		return nil, ErrNotServer
	}

	v, err := s.Instantiate(index)
	if err != nil {
		return nil, err
	}
	return v, s.ReplicateView(v, to)
}

// Instantiate creates template index under a new guid without telling
// anyone, so its receivers can be set up before ReplicateView.
func (s *Service) Instantiate(index int) (*View, error) {
	if s.role == RoleClient {
		return nil, ErrNotServer
	}
	return s.instantiate(index, uuid.NewString())
}

func (s *Service) ReplicateByName(name string, to *Peer) (*View, error) {
	index, err := s.TemplateIndex(name)
	if err != nil {
		return nil, err
	}
	return s.Replicate(index, to)
}

// TemplateIndex finds a template by name.
func (s *Service) TemplateIndex(name string) (int, error) {
	for i, tmpl := range s.templates {
		if tmpl.Name == name {
			return i, nil
		}
	}
	return -1, &TemplateIndexError{Index: -1, Name: name, Len: len(s.templates)}
}

// ReplicateView sends an existing view to to, or to every client when to
// is nil.
func (s *Service) ReplicateView(v *View, to *Peer) error {
	if s.role == RoleClient {
		return ErrNotServer
	}
	if v.destroyed {
		return ErrDestroyed
	}
	if _, err := s.template(v.templateIndex); err != nil {
		return fmt.Errorf("could not replicate %q: %w", v.guid, err)
	}

	if to != nil {
		return to.SendReplicate(v)
	}

	var errs error
	for _, peer := range s.ClientPeers() {
		if err := peer.SendReplicate(v); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Destroy deregisters v. On the server every client is told to destroy its
// copy too.
func (s *Service) Destroy(v *View) error {
	if s.role != RoleServer {
		return s.destroy(v, nil)
	}
	return s.destroy(v, s.ClientPeers())
}

// DestroyFor deregisters v and tells only peers about it, for views that
// were replicated to some clients only.
func (s *Service) DestroyFor(v *View, peers []*Peer) error {
	if s.role == RoleClient {
		return ErrNotServer
	}
	return s.destroy(v, peers)
}

func (s *Service) destroy(v *View, peers []*Peer) error {
	if v.destroyed {
		return nil
	}
	v.destroyed = true
	s.views.Remove(v)

	for _, recv := range v.receivers {
		if d, ok := recv.(Destroyer); ok {
			d.OnDestroy()
		}
	}

	var errs error
	for _, peer := range peers {
		if err := peer.SendRemove(v); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
