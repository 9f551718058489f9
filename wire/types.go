// Package wire defines the messages exchanged between servents.
//
// An Envelope is a tagged variant: Kind selects which one of the payload
// pointers is populated. Payloads are plain values so a message can be copied
// across a serialization boundary without sharing memory with its sender.
package wire

import (
	"fmt"
	"slices"
)

// NodeInfo is the immutable identity of a servent on the ring.
type NodeInfo struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	ChordID int    `json:"chord_id"`
}

// NewNodeInfo builds a NodeInfo whose chord id is derived from its endpoint.
func NewNodeInfo(ip string, port int, ringSize int) NodeInfo {
	return NodeInfo{
		IP:      ip,
		Port:    port,
		ChordID: HashEndpoint(ip, port, ringSize),
	}
}

// Endpoint returns the "ip:port" listener address.
func (n NodeInfo) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// Equal reports structural equality (address, port and id).
func (n NodeInfo) Equal(other NodeInfo) bool {
	return n.IP == other.IP && n.Port == other.Port && n.ChordID == other.ChordID
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s#%d", n.Endpoint(), n.ChordID)
}

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindTokenRequest Kind = "token_request"
	KindToken        Kind = "token"
	KindOperation    Kind = "operation"
	KindResult       Kind = "result"
	KindNewNode      Kind = "new_node"
	KindWelcome      Kind = "welcome"
	KindSorry        Kind = "sorry"
	KindUpdate       Kind = "update"
	KindLeave        Kind = "leave"
)

// OpKind names a ring-wide operation.
type OpKind string

const (
	OpUpload OpKind = "upload"
	OpRemove OpKind = "remove_file"
	OpList   OpKind = "list_files"
	OpPut    OpKind = "put"
	OpGet    OpKind = "get"
)

// Envelope is the unit handed to a Transport.
type Envelope struct {
	Kind Kind     `json:"kind"`
	From NodeInfo `json:"from"`
	To   NodeInfo `json:"to"`

	TokenRequest *TokenRequest `json:"token_request,omitempty"`
	Token        *Token        `json:"token,omitempty"`
	Operation    *Operation    `json:"operation,omitempty"`
	Result       *Result       `json:"result,omitempty"`
	NewNode      *NewNode      `json:"new_node,omitempty"`
	Welcome      *Welcome      `json:"welcome,omitempty"`
	Update       *Update       `json:"update,omitempty"`
	Leave        *Leave        `json:"leave,omitempty"`
}

// TokenRequest asks every peer for the token.
type TokenRequest struct {
	Requester int `json:"requester"`
	Sequence  int `json:"sequence"`
}

// Token is the travelling Suzuki–Kasami token.
type Token struct {
	LastGranted []int `json:"last_granted"`
	Queue       []int `json:"queue"`
}

// Clone returns a deep copy so the receiver never aliases the sender's slices.
func (t Token) Clone() Token {
	return Token{
		LastGranted: slices.Clone(t.LastGranted),
		Queue:       slices.Clone(t.Queue),
	}
}

// Operation is a request routed around the ring to the owner of Key.
// Origin is the original requester; forwarders never rewrite it.
type Operation struct {
	ID     string   `json:"id"`
	Op     OpKind   `json:"op"`
	Key    int      `json:"key"`
	Path   string   `json:"path,omitempty"`
	Data   []byte   `json:"data,omitempty"`
	Value  string   `json:"value,omitempty"`
	Origin NodeInfo `json:"origin"`
	Trail  []int    `json:"trail,omitempty"`
}

// Result is the owner's reply, sent directly to the original requester.
type Result struct {
	ID      string   `json:"id"`
	Op      OpKind   `json:"op"`
	OK      bool     `json:"ok"`
	Payload string   `json:"payload"`
	Files   []string `json:"files,omitempty"`
	Trail   []int    `json:"trail,omitempty"`
}

// NewNode announces a joining node; it is routed to the joiner's successor.
type NewNode struct {
	Joiner NodeInfo `json:"joiner"`
}

// Welcome is sent by the joiner's successor. The sender becomes the joiner's first successor.
type Welcome struct {
	Values map[int]string `json:"values"`
}

// Update travels once around the ring collecting every member.
type Update struct {
	Origin  NodeInfo   `json:"origin"`
	Members []NodeInfo `json:"members"`
}

// Leave tells a neighbour about the leaving node's other neighbour.
// Replacement is nil when the leaving node had none.
type Leave struct {
	Replacement *NodeInfo `json:"replacement,omitempty"`
}
