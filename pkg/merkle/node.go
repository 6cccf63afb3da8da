// Package merkle implements the content-addressed hash chain that seals a
// session's turn history. Every turn is a node whose hash covers its content
// and its parent's hash, so rewriting or dropping an earlier turn breaks every
// hash after it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Node represents a single content-addressed link in the chain
type Node struct {
	// Hash is the content-addressed identifier (SHA-256, hex-encoded)
	Hash string `json:"hash"`

	// ParentHash links to the previous node hash.
	// This will be nil for the first node of a chain.
	ParentHash *string `json:"parent_hash"`

	// Content is the hashable content for the node
	Content any `json:"content"`
}

type input struct {
	Parent  string `json:"parent,omitempty"`
	Content any    `json:"content"`
}

// NewNode creates a new node with the computed hash for the provided content
func NewNode(content any, parent *Node) *Node {
	n := &Node{
		Content: content,
	}

	if parent != nil {
		h := parent.Hash
		n.ParentHash = &h
	}

	n.Hash = n.computeHash()
	return n
}

// Valid reports whether the stored hash matches the node's content and parent.
func (n *Node) Valid() bool {
	return n.Hash == n.computeHash()
}

func (n *Node) computeHash() string {
	i := &input{
		Content: n.Content,
	}

	if n.ParentHash != nil {
		i.Parent = *n.ParentHash
	}

	// Canonical JSON encoding for deterministic hashing
	data, err := json.Marshal(i)
	if err != nil {
		panic("failed to marshal hash input: " + err.Error())
	}

	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ErrBrokenChain is returned when a chain fails verification.
type ErrBrokenChain struct {
	Index  int
	Reason string
}

func (e ErrBrokenChain) Error() string {
	return fmt.Sprintf("chain broken at node %d: %s", e.Index, e.Reason)
}

// VerifyChain checks that nodes form a single linear chain from its first
// node: the first node has no parent, every later node points at its
// predecessor, and every hash matches its content.
func VerifyChain(nodes []*Node) error {
	for i, n := range nodes {
		if !n.Valid() {
			return ErrBrokenChain{Index: i, Reason: "hash does not match content"}
		}

		if i == 0 {
			if n.ParentHash != nil {
				return ErrBrokenChain{Index: i, Reason: "first node has a parent"}
			}
			continue
		}

		if n.ParentHash == nil || *n.ParentHash != nodes[i-1].Hash {
			return ErrBrokenChain{Index: i, Reason: "parent hash does not match predecessor"}
		}
	}
	return nil
}
