package pushcmder

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/session"
	"github.com/zlnick/PatientInfoSE/server"
)

var _ = Describe("Push Command", func() {
	var (
		ctx       context.Context
		tmpDir    string
		localPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = os.MkdirTemp("", "clinicassist-push-test-*")
		Expect(err).NotTo(HaveOccurred())
		localPath = filepath.Join(tmpDir, "local.db")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	seedLocal := func(sessions map[string][]string) {
		backend, err := session.NewSQLiteBackend(localPath)
		Expect(err).NotTo(HaveOccurred())
		store := session.NewStore(backend, zap.NewNop())
		defer store.Close()

		for id, turns := range sessions {
			_, err := store.Create(ctx, id, map[string]any{"source": "ward3"})
			Expect(err).NotTo(HaveOccurred())
			for _, text := range turns {
				_, err := store.AppendTurn(ctx, id, session.RoleUser, text)
				Expect(err).NotTo(HaveOccurred())
			}
		}
	}

	startServer := func() (string, *session.Store, func()) {
		remote := session.NewStore(session.NewMemoryBackend(), zap.NewNop())
		srv := server.New(server.Config{ListenAddr: ":0"}, nil, remote, zap.NewNop())

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		go func() {
			_ = srv.RunWithListener(listener)
		}()

		addr := "http://" + listener.Addr().String()
		cleanup := func() {
			_ = srv.Shutdown(context.Background())
		}
		return addr, remote, cleanup
	}

	runPush := func(args ...string) (string, error) {
		out := &bytes.Buffer{}
		cmd := NewPushCmd()
		cmd.SetOut(out)
		cmd.SetErr(out)
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(ctx)
		return out.String(), err
	}

	It("pushes local sessions to a remote server", func() {
		seedLocal(map[string][]string{
			"s-1": {"患者基本信息", "最近的用药"},
			"s-2": {"你好"},
		})

		addr, remote, cleanup := startServer()
		defer cleanup()

		out, err := runPush("--sqlite", localPath, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Pushed 2 new sessions (0 already existed, 0 errors)"))

		ids, err := remote.IDs(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("s-1", "s-2"))

		history, err := remote.History(ctx, "s-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(2))
		Expect(remote.Verify(ctx, "s-1")).To(Succeed())
	})

	It("deduplicates on double push", func() {
		seedLocal(map[string][]string{"s-1": {"dedup push test"}})

		addr, remote, cleanup := startServer()
		defer cleanup()

		_, err := runPush("--sqlite", localPath, addr)
		Expect(err).NotTo(HaveOccurred())
		out, err := runPush("--sqlite", localPath, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Pushed 0 new sessions (1 already existed, 0 errors)"))

		ids, err := remote.IDs(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(HaveLen(1))
	})

	It("sends sessions in batches", func() {
		seedLocal(map[string][]string{
			"s-1": {"一"},
			"s-2": {"二"},
			"s-3": {"三"},
		})

		addr, remote, cleanup := startServer()
		defer cleanup()

		out, err := runPush("--sqlite", localPath, "--batch-size", "2", addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Pushed 3 new sessions"))

		ids, err := remote.IDs(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(HaveLen(3))
	})

	It("reports an empty local database", func() {
		seedLocal(nil)

		out, err := runPush("--sqlite", localPath, "http://127.0.0.1:1")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("No local sessions to push."))
	})

	It("rejects a non-positive batch size", func() {
		_, err := runPush("--sqlite", localPath, "--batch-size", "0", "http://127.0.0.1:1")
		Expect(err).To(HaveOccurred())
	})
})
