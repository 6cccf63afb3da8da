package merkle_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zlnick/PatientInfoSE/pkg/merkle"
)

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var _ = Describe("Node", func() {
	Describe("NewNode", func() {
		Context("when creating the first node (no parent)", func() {
			It("keeps the given content", func() {
				node := merkle.NewNode(turn{"user", "你好"}, nil)

				Expect(node.Content).To(Equal(turn{"user", "你好"}))
				Expect(node.ParentHash).To(BeNil())
			})

			It("produces consistent hashes for the same content", func() {
				node1 := merkle.NewNode(turn{"user", "same"}, nil)
				node2 := merkle.NewNode(turn{"user", "same"}, nil)

				Expect(node1.Hash).To(Equal(node2.Hash))
			})

			It("produces different hashes for different roles", func() {
				node1 := merkle.NewNode(turn{"user", "same"}, nil)
				node2 := merkle.NewNode(turn{"assistant", "same"}, nil)

				Expect(node1.Hash).NotTo(Equal(node2.Hash))
			})

			It("produces a SHA-256 hex string", func() {
				node := merkle.NewNode("test", nil)

				Expect(node.Hash).To(MatchRegexp("^[a-f0-9]{64}$"))
			})
		})

		Context("when linking to a parent", func() {
			It("records the parent hash", func() {
				parent := merkle.NewNode(turn{"user", "q"}, nil)
				child := merkle.NewNode(turn{"assistant", "a"}, parent)

				Expect(child.ParentHash).NotTo(BeNil())
				Expect(*child.ParentHash).To(Equal(parent.Hash))
			})

			It("produces different hashes for same content with different parents", func() {
				p1 := merkle.NewNode("p1", nil)
				p2 := merkle.NewNode("p2", nil)

				Expect(merkle.NewNode("same", p1).Hash).NotTo(Equal(merkle.NewNode("same", p2).Hash))
			})
		})
	})

	Describe("VerifyChain", func() {
		var chain []*merkle.Node

		BeforeEach(func() {
			a := merkle.NewNode(turn{"user", "血压多少？"}, nil)
			b := merkle.NewNode(turn{"assistant", "120/80"}, a)
			c := merkle.NewNode(turn{"user", "画图"}, b)
			chain = []*merkle.Node{a, b, c}
		})

		It("accepts an intact chain", func() {
			Expect(merkle.VerifyChain(chain)).To(Succeed())
		})

		It("accepts an empty chain", func() {
			Expect(merkle.VerifyChain(nil)).To(Succeed())
		})

		It("detects rewritten content", func() {
			chain[1].Content = turn{"assistant", "140/90"}

			err := merkle.VerifyChain(chain)
			Expect(err).To(MatchError(merkle.ErrBrokenChain{Index: 1, Reason: "hash does not match content"}))
		})

		It("detects a dropped node", func() {
			err := merkle.VerifyChain([]*merkle.Node{chain[0], chain[2]})

			var broken merkle.ErrBrokenChain
			Expect(err).To(BeAssignableToTypeOf(broken))
			Expect(err.(merkle.ErrBrokenChain).Index).To(Equal(1))
		})
	})
})
