// Package demo is the little game the binaries play: a chat room everyone
// is in and cubes the server spawns and moves around.
package demo

import (
	"fmt"

	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/hashicorp/go-multierror"
)

const ChatGUID = "chat"

const (
	chatTypeID = "demo.chat"
	cubeTypeID = "demo.cube"
)

func RegisterMethods(methods *rmp.MethodTable) {
	rmp.Handle(methods, chatTypeID, "svRPC_Say", (*Chat).svSay)
	rmp.Handle(methods, chatTypeID, "clRPC_Said", (*Chat).clSaid)
	rmp.Handle(methods, cubeTypeID, "clRPC_Move", (*Cube).clMove)
}

// Templates is the replication table. Both sides must use it.
func Templates() []rmp.Template {
	return []rmp.Template{
		{Name: "cube", New: func() []rmp.Receiver { return []rmp.Receiver{NewCube()} }},
	}
}

// Audience lists the clients game traffic goes to. A nil Audience is every
// connected client.
type Audience func() []*rmp.Peer

func (a Audience) rpc(view *rmp.View, method string, args ...any) error {
	if a == nil {
		return view.RPC(rmp.Broadcast, method, args...)
	}
	var errs error
	for _, peer := range a() {
		if err := view.RPCTo(peer, method, args...); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (a Audience) replicate(view *rmp.View) error {
	if a == nil {
		return view.Replicate(nil)
	}
	var errs error
	for _, peer := range a() {
		if err := view.Replicate(peer); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (a Audience) destroy(view *rmp.View) error {
	if a == nil {
		return view.Destroy()
	}
	return view.DestroyFor(a())
}

type Message struct {
	From string
	Text string
}

type Chat struct {
	view *rmp.View

	// Name resolves who a message came from on the server. nil sender is
	// the server itself.
	Name func(sender *rmp.Peer) string
	// OnMessage is called for every message that reaches this process.
	OnMessage func(msg Message)
	// Allow decides on the server who may speak. nil lets everyone.
	Allow func(sender *rmp.Peer) bool
	// Audience is who hears it.
	Audience Audience

	history []Message
}

// NewChat adds the chat scene view to svc.
func NewChat(svc *rmp.Service) (*Chat, error) {
	c := &Chat{}
	view, err := svc.AddSceneView(ChatGUID, c)
	if err != nil {
		return nil, err
	}
	c.view = view
	return c, nil
}

func (c *Chat) RMPType() string { return chatTypeID }

func (c *Chat) History() []Message { return c.history }

// Say sends text to the server, which passes it on to everyone.
func (c *Chat) Say(text string) error {
	return c.view.RPC(rmp.ToServer, "svRPC_Say", text)
}

func (c *Chat) name(sender *rmp.Peer) string {
	if c.Name != nil {
		return c.Name(sender)
	}
	if sender == nil {
		return "server"
	}
	return sender.String()
}

func (c *Chat) svSay(call *rmp.Call) error {
	if call.Sender != nil && c.Allow != nil && !c.Allow(call.Sender) {
		return fmt.Errorf("%s: %s may not speak", call.Method, call.Sender)
	}

	text, err := rmp.Arg[string](call, 0)
	if err != nil {
		return err
	}

	msg := Message{From: c.name(call.Sender), Text: text}
	c.receive(msg)
	return c.Audience.rpc(c.view, "clRPC_Said", msg.From, msg.Text)
}

func (c *Chat) clSaid(call *rmp.Call) error {
	if !call.FromServer() {
		return fmt.Errorf("%s: not sent by the server", call.Method)
	}

	from, err := rmp.Arg[string](call, 0)
	if err != nil {
		return err
	}
	text, err := rmp.Arg[string](call, 1)
	if err != nil {
		return err
	}
	c.receive(Message{From: from, Text: text})
	return nil
}

func (c *Chat) receive(msg Message) {
	c.history = append(c.history, msg)
	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

type Cube struct {
	Transform packet.Transform
	Destroyed bool
}

var (
	_ rmp.ReplicationWriter = (*Cube)(nil)
	_ rmp.ReplicationReader = (*Cube)(nil)
	_ rmp.Destroyer         = (*Cube)(nil)
)

func NewCube() *Cube {
	return &Cube{Transform: packet.Transform{Rotation: packet.QuaternionIdentity}}
}

func (c *Cube) RMPType() string { return cubeTypeID }

func (c *Cube) WriteReplication(w *packet.Writer) error {
	w.WriteTransform(c.Transform)
	return nil
}

func (c *Cube) ReadReplication(sender *rmp.Peer, r *packet.Reader) (err error) {
	c.Transform, err = r.ReadTransform()
	return err
}

func (c *Cube) OnDestroy() { c.Destroyed = true }

func (c *Cube) clMove(call *rmp.Call) error {
	position, err := rmp.Arg[packet.Vector3](call, 0)
	if err != nil {
		return err
	}
	rotation, err := rmp.Arg[packet.Quaternion](call, 1)
	if err != nil {
		return err
	}
	c.Transform = packet.Transform{Position: position, Rotation: rotation}
	return nil
}

// CubeOf returns the cube receiver of a view made from the cube template.
func CubeOf(view *rmp.View) (*Cube, bool) {
	for _, recv := range view.Receivers() {
		if c, ok := recv.(*Cube); ok {
			return c, true
		}
	}
	return nil, false
}

// SpawnCube creates a cube at position and replicates it to audience.
func SpawnCube(svc *rmp.Service, position packet.Vector3, audience Audience) (*rmp.View, error) {
	index, err := svc.TemplateIndex("cube")
	if err != nil {
		return nil, err
	}
	view, err := svc.Instantiate(index)
	if err != nil {
		return nil, err
	}
	if c, ok := CubeOf(view); ok {
		c.Transform.Position = position
	}
	return view, audience.replicate(view)
}

// MoveCube updates the cube on the server and on audience.
func MoveCube(view *rmp.View, transform packet.Transform, audience Audience) error {
	c, ok := CubeOf(view)
	if !ok {
		return fmt.Errorf("view %q is not a cube", view.GUID())
	}
	c.Transform = transform
	return audience.rpc(view, "clRPC_Move", transform.Position, transform.Rotation)
}

// DestroyCube removes the cube on the server and on audience.
func DestroyCube(view *rmp.View, audience Audience) error {
	return audience.destroy(view)
}
