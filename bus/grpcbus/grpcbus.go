// Package grpcbus is a gRPC-backed bus.Sink/bus.Source. Each PDP
// dials in and holds one bidirectional stream open for the lifetime
// of its connection; the server (this core) pushes outbound
// PdpUpdate/PdpStateChange frames down that PDP's stream and reads
// inbound PdpStatus frames off it. There is no generated .proto
// client/server pair here - the wire method is hand-registered as a
// grpc.ServiceDesc carrying raw length-delimited frames, each frame a
// wrapperspb.BytesValue wrapping one JSON-encoded envelope, the same
// way the teacher's grpc_client package wires its GRPCAPIClient
// against a ClientConn without pulling in a full codegen pipeline for
// this module's scope.
package grpcbus

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"www.velocidex.com/golang/pap-modify-core/bus"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

const serviceName = "pap.Bus"
const streamMethod = "/" + serviceName + "/Stream"

// envelope is the JSON payload carried inside every frame. Exactly
// one of Message/Status is set.
type envelope struct {
	Topic   string             `json:"topic"`
	Message *messageEnvelope   `json:"message,omitempty"`
	Status  *models.PdpStatus  `json:"status,omitempty"`
}

// messageEnvelope carries a PdpMessage (models.PdpMessage is an
// interface, so Kind discriminates which concrete field is set).
type messageEnvelope struct {
	Kind   models.MessageKind   `json:"kind"`
	Update *models.PdpUpdate      `json:"update,omitempty"`
	State  *models.PdpStateChange `json:"state,omitempty"`
}

func encodeMessage(message models.PdpMessage) *messageEnvelope {
	switch typed := message.(type) {
	case *models.PdpUpdate:
		return &messageEnvelope{Kind: models.MessageKindUpdate, Update: typed}
	case *models.PdpStateChange:
		return &messageEnvelope{Kind: models.MessageKindStateChange, State: typed}
	default:
		return nil
	}
}

func (self *messageEnvelope) decode() models.PdpMessage {
	switch self.Kind {
	case models.MessageKindUpdate:
		return self.Update
	case models.MessageKindStateChange:
		return self.State
	default:
		return nil
	}
}

// busServer is implemented by Server, and dispatched to by the
// hand-registered grpc.ServiceDesc below.
type busServer interface {
	handleStream(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*busServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(busServer).handleStream(stream)
			},
		},
	},
	Metadata: "pap_bus",
}

// peer is one connected PDP's open stream, identified once its first
// frame names a topic/PDP.
type peer struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (self *peer) send(env *envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stream.SendMsg(&wrapperspb.BytesValue{Value: payload})
}

// Server is a bus.Sink/bus.Source backed by a grpc.Server. Outbound
// sends are addressed by message.TargetName(); inbound PdpStatus
// frames are delivered to whichever handlers are Subscribed to the
// frame's topic.
type Server struct {
	grpcServer *grpc.Server
	log        *logging.Logger

	mu       sync.Mutex
	peers    map[string]*peer // keyed by PDP name, learned from inbound status
	handlers map[string][]func(*models.PdpStatus)
}

// NewServer constructs a Server and registers its stream method on
// grpcServer. Call grpcServer.Serve separately, on whatever
// net.Listener the deployment wires.
func NewServer(grpcServer *grpc.Server) *Server {
	self := &Server{
		grpcServer: grpcServer,
		log:        logging.GetLogger(logging.BusComponent).WithField("transport", "grpc"),
		peers:      make(map[string]*peer),
		handlers:   make(map[string][]func(*models.PdpStatus)),
	}
	grpcServer.RegisterService(&serviceDesc, busServer(self))
	return self
}

// Send implements bus.Sink. A nil TargetName (broadcast) fans the
// message out to every currently connected peer.
func (self *Server) Send(ctx context.Context, topic string, message models.PdpMessage) error {
	env := &envelope{Topic: topic, Message: encodeMessage(message)}
	if env.Message == nil {
		return nil
	}

	target := message.TargetName()
	self.mu.Lock()
	var targets []*peer
	if target == "" {
		for _, p := range self.peers {
			targets = append(targets, p)
		}
	} else if p, ok := self.peers[target]; ok {
		targets = append(targets, p)
	}
	self.mu.Unlock()

	for _, p := range targets {
		if err := p.send(env); err != nil {
			self.log.Error("send to %s failed: %v", target, err)
			return err
		}
	}
	return nil
}

// Subscribe implements bus.Source: handler is invoked for every
// inbound PdpStatus received on topic, on the stream-reading
// goroutine of whichever peer sent it.
func (self *Server) Subscribe(ctx context.Context, topic string, handler func(*models.PdpStatus)) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.handlers[topic] = append(self.handlers[topic], handler)
	return nil
}

// handleStream implements busServer: one goroutine per connected PDP,
// for the lifetime of its stream.
func (self *Server) handleStream(stream grpc.ServerStream) error {
	p := &peer{stream: stream}
	registered := ""

	defer func() {
		if registered != "" {
			self.mu.Lock()
			delete(self.peers, registered)
			self.mu.Unlock()
		}
	}()

	for {
		var frame wrapperspb.BytesValue
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var env envelope
		if err := json.Unmarshal(frame.Value, &env); err != nil {
			self.log.Error("malformed frame: %v", err)
			continue
		}
		if env.Status == nil {
			continue
		}

		if registered == "" && env.Status.Name != "" {
			registered = env.Status.Name
			self.mu.Lock()
			self.peers[registered] = p
			self.mu.Unlock()
		}

		self.mu.Lock()
		handlers := append([]func(*models.PdpStatus){}, self.handlers[env.Topic]...)
		self.mu.Unlock()

		for _, h := range handlers {
			h(env.Status)
		}
	}
}

// Client is the PDP-side counterpart: it dials a Server, pushes
// PdpStatus frames up with SendStatus, and reads inbound PdpMessage
// frames in the same frame format as Server. It does not implement
// bus.Sink or bus.Source; inbound PdpMessage frames are decoded and
// then dropped, with no handler invoked.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	log    *logging.Logger

	mu       sync.Mutex
	handlers []func(*models.PdpStatus)
}

// Dial connects to a Server at target and opens its one stream.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Stream",
		ServerStreams: true,
		ClientStreams: true,
	}, streamMethod)
	if err != nil {
		conn.Close()
		return nil, err
	}

	self := &Client{
		conn:   conn,
		stream: stream,
		log:    logging.GetLogger(logging.BusComponent).WithField("transport", "grpc-client"),
	}
	go self.readLoop()
	return self, nil
}

func (self *Client) readLoop() {
	for {
		var frame wrapperspb.BytesValue
		if err := self.stream.RecvMsg(&frame); err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(frame.Value, &env); err != nil {
			self.log.Error("malformed frame: %v", err)
			continue
		}
		if env.Message == nil {
			continue
		}
		_ = env.Message.decode()
		// This module's core never runs PDP-side, so inbound PdpMessage
		// frames have no registered consumer here; a PDP process would
		// plug its own handler in above decode().
	}
}

// SendStatus pushes a PdpStatus frame up to the server - the PDP-side
// equivalent of Server.Send.
func (self *Client) SendStatus(topic string, status *models.PdpStatus) error {
	env := &envelope{Topic: topic, Status: status}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return self.stream.SendMsg(&wrapperspb.BytesValue{Value: payload})
}

func (self *Client) Close() error {
	return self.conn.Close()
}

var _ bus.Sink = (*Server)(nil)
var _ bus.Source = (*Server)(nil)
