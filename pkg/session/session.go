// Package session implements the durable per-conversation document store.
//
// A session is a single JSON document holding the turn history, free-form
// metadata and timestamps. Every mutation is a whole-document
// read-modify-write performed under a per-session lock, so a session is never
// observed half written and concurrent appends to one session never lose
// updates. Different sessions proceed independently.
package session

import (
	"time"

	"github.com/zlnick/PatientInfoSE/pkg/merkle"
)

// Role of a turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one immutable entry of a session's history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`

	// Hash seals the turn and everything before it; see Store.Verify.
	Hash       string  `json:"hash,omitempty"`
	ParentHash *string `json:"parent_hash,omitempty"`
}

// Session is the whole persisted conversation document.
type Session struct {
	ID          string         `json:"session_id"`
	History     []Turn         `json:"history"`
	Meta        map[string]any `json:"meta"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
}

// hashContent is the part of a turn covered by its hash.
type hashContent struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"ts"`
}

func (t Turn) node(parent *merkle.Node) *merkle.Node {
	return merkle.NewNode(hashContent{
		Role:      t.Role,
		Content:   t.Content,
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
	}, parent)
}

// seal fills in the turn's hash chained to the previous turn, if any.
func (t *Turn) seal(prev *Turn) {
	var parent *merkle.Node
	if prev != nil {
		parent = &merkle.Node{Hash: prev.Hash}
	}
	n := t.node(parent)
	t.Hash = n.Hash
	t.ParentHash = n.ParentHash
}

// chain rebuilds the merkle nodes for the history using the stored parent
// links, so tampering surfaces in merkle.VerifyChain.
func (s *Session) chain() []*merkle.Node {
	nodes := make([]*merkle.Node, 0, len(s.History))
	for _, t := range s.History {
		n := &merkle.Node{
			Hash:       t.Hash,
			ParentHash: t.ParentHash,
			Content: hashContent{
				Role:      t.Role,
				Content:   t.Content,
				Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// Verify checks that the history is an intact hash chain.
func (s *Session) Verify() error {
	return merkle.VerifyChain(s.chain())
}

// clone returns a deep enough copy for callers to mutate freely.
func (s *Session) clone() *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	c.Meta = make(map[string]any, len(s.Meta))
	for k, v := range s.Meta {
		c.Meta[k] = v
	}
	return &c
}
