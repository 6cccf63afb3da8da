package mergecmder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/session"
)

var _ = Describe("Merge Command", func() {
	var (
		ctx     context.Context
		tmpDir  string
		srcPath string
		dstPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = os.MkdirTemp("", "clinicassist-merge-test-*")
		Expect(err).NotTo(HaveOccurred())
		srcPath = filepath.Join(tmpDir, "source.db")
		dstPath = filepath.Join(tmpDir, "target.db")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	seed := func(path string, sessions map[string][]string) {
		backend, err := session.NewSQLiteBackend(path)
		Expect(err).NotTo(HaveOccurred())
		store := session.NewStore(backend, zap.NewNop())
		defer store.Close()

		for id, turns := range sessions {
			_, err := store.Create(ctx, id, nil)
			Expect(err).NotTo(HaveOccurred())
			for i, text := range turns {
				role := session.RoleUser
				if i%2 == 1 {
					role = session.RoleAssistant
				}
				_, err := store.AppendTurn(ctx, id, role, text)
				Expect(err).NotTo(HaveOccurred())
			}
		}
	}

	ids := func(path string) []string {
		backend, err := session.NewSQLiteBackend(path)
		Expect(err).NotTo(HaveOccurred())
		store := session.NewStore(backend, zap.NewNop())
		defer store.Close()

		out, err := store.IDs(ctx)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	runMerge := func(args ...string) string {
		out := &bytes.Buffer{}
		cmd := NewMergeCmd()
		cmd.SetOut(out)
		cmd.SetArgs(append([]string{"--sqlite", dstPath}, args...))
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())
		return out.String()
	}

	It("merges sessions from source into target", func() {
		seed(srcPath, map[string][]string{
			"s-1": {"患者基本信息", "张三，男，45岁"},
			"s-2": {"你好"},
		})
		seed(dstPath, map[string][]string{
			"s-3": {"目标库里的会话"},
		})

		out := runMerge(srcPath)

		Expect(ids(dstPath)).To(ConsistOf("s-1", "s-2", "s-3"))
		Expect(out).To(ContainSubstring("2 new, 0 already existed, 0 broken"))
	})

	It("keeps the target copy when the id already exists", func() {
		seed(srcPath, map[string][]string{"s-1": {"来自源库"}})
		seed(dstPath, map[string][]string{"s-1": {"来自目标库"}})

		out := runMerge(srcPath)
		Expect(out).To(ContainSubstring("0 new, 1 already existed"))

		backend, err := session.NewSQLiteBackend(dstPath)
		Expect(err).NotTo(HaveOccurred())
		store := session.NewStore(backend, zap.NewNop())
		defer store.Close()

		history, err := store.History(ctx, "s-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(1))
		Expect(history[0].Content).To(Equal("来自目标库"))
	})

	It("deduplicates when merging the same source twice", func() {
		seed(srcPath, map[string][]string{"s-1": {"dedup test"}})

		runMerge(srcPath)
		out := runMerge(srcPath)

		Expect(ids(dstPath)).To(HaveLen(1))
		Expect(out).To(ContainSubstring("Merged 0 new sessions from 1 sources (1 already existed"))
	})

	It("merges multiple sources", func() {
		src2Path := filepath.Join(tmpDir, "source2.db")
		seed(srcPath, map[string][]string{"s-1": {"from source 1"}})
		seed(src2Path, map[string][]string{"s-2": {"from source 2"}})

		runMerge(srcPath, src2Path)

		Expect(ids(dstPath)).To(ConsistOf("s-1", "s-2"))
	})

	It("skips sessions whose hash chain is broken", func() {
		seed(srcPath, map[string][]string{
			"good": {"问题", "回答"},
			"bad":  {"问题", "回答"},
		})

		backend, err := session.NewSQLiteBackend(srcPath)
		Expect(err).NotTo(HaveOccurred())
		raw, err := backend.Read(ctx, "bad")
		Expect(err).NotTo(HaveOccurred())
		var doc session.Session
		Expect(json.Unmarshal(raw, &doc)).To(Succeed())
		doc.History[1].Content = "篡改后的回答"
		tampered, err := json.Marshal(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Write(ctx, "bad", tampered)).To(Succeed())
		Expect(backend.Close()).To(Succeed())

		out := runMerge(srcPath)

		Expect(ids(dstPath)).To(ConsistOf("good"))
		Expect(out).To(ContainSubstring("1 new, 0 already existed, 1 broken"))
	})

	It("fails when a source cannot be opened", func() {
		cmd := NewMergeCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--sqlite", dstPath, tmpDir})
		Expect(cmd.ExecuteContext(ctx)).NotTo(Succeed())
	})
})
